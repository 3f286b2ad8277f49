package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// decodeJSON reads one JSON document of at most limit bytes into dst. Unknown
// fields and trailing data are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// parseWidth reads the width query parameter, falling back to def.
func parseWidth(r *http.Request, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("width"))
	if raw == "" {
		return def, nil
	}
	width, err := strconv.Atoi(raw)
	if err != nil || width <= 0 {
		return 0, fmt.Errorf("width must be a positive integer, got %q", raw)
	}
	return width, nil
}
