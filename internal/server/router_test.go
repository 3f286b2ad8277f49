package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	slides   map[string]bool
	calls    []string
	slideIDs []string

	writeErrorStatus  int
	writeErrorMessage string
}

func (s *stubRuntime) record(name string, w http.ResponseWriter, r *http.Request) {
	s.calls = append(s.calls, name)
	s.slideIDs = append(s.slideIDs, r.Header.Get("X-Slide-ID"))
	w.WriteHeader(http.StatusOK)
}

func (s *stubRuntime) ServeHealth(w http.ResponseWriter, r *http.Request) { s.record("health", w, r) }
func (s *stubRuntime) ServeStats(w http.ResponseWriter, r *http.Request)  { s.record("stats", w, r) }
func (s *stubRuntime) ServeLayout(w http.ResponseWriter, r *http.Request) { s.record("layout", w, r) }
func (s *stubRuntime) ServeListSlides(w http.ResponseWriter, r *http.Request) {
	s.record("list", w, r)
}
func (s *stubRuntime) ServeUpsertSlides(w http.ResponseWriter, r *http.Request) {
	s.record("upsert", w, r)
}
func (s *stubRuntime) ServeDeleteSlide(w http.ResponseWriter, r *http.Request) {
	s.record("delete-slide", w, r)
}
func (s *stubRuntime) ServeThumbnail(w http.ResponseWriter, r *http.Request) {
	s.record("thumbnail", w, r)
}
func (s *stubRuntime) ServeDeleteThumbnail(w http.ResponseWriter, r *http.Request) {
	s.record("delete-thumbnail", w, r)
}
func (s *stubRuntime) ServeDeleteAllThumbnails(w http.ResponseWriter, r *http.Request) {
	s.record("delete-thumbnails", w, r)
}
func (s *stubRuntime) ServeGroups(w http.ResponseWriter, r *http.Request) { s.record("groups", w, r) }

func (s *stubRuntime) SlideExists(id string) bool { return s.slides[id] }

func (s *stubRuntime) RequestWithSlideID(r *http.Request, id string) *http.Request {
	cloned := r.Clone(r.Context())
	cloned.Header.Set("X-Slide-ID", id)
	return cloned
}

func (s *stubRuntime) WriteError(w http.ResponseWriter, status int, message string) {
	s.writeErrorStatus = status
	s.writeErrorMessage = message
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func TestParseRoute(t *testing.T) {
	cases := map[string]struct {
		path    string
		slideID string
		route   string
		ok      bool
	}{
		"health alias": {path: "/health", route: routeHealth, ok: true},
		"healthz":      {path: "/healthz", route: routeHealth, ok: true},
		"stats":        {path: "/stats", route: routeStats, ok: true},
		"layout":       {path: "/layout/", route: routeLayout, ok: true},
		"slides":       {path: "/slides", route: routeSlides, ok: true},
		"slide":        {path: "/slides/a-1", slideID: "a-1", route: routeSlide, ok: true},
		"thumbnail":    {path: "/slides/a-1/thumbnail", slideID: "a-1", route: routeThumbnail, ok: true},
		"thumbnails":   {path: "/thumbnails", route: routeThumbnails, ok: true},
		"groups":       {path: "/Groups", route: routeGroups, ok: true},
		"metrics":      {path: "/metrics", route: routeMetrics, ok: true},
		"double slash": {path: "//slides//a//thumbnail", ok: false},
		"unknown root": {path: "/unknown", ok: false},
		"unknown sub":  {path: "/slides/a/other", ok: false},
		"unscoped sub": {path: "/stats/a", ok: false},
		"too deep":     {path: "/slides/a/thumbnail/x", ok: false},
		"empty path":   {path: "/", ok: false},
		"blank path":   {path: "", ok: false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			slideID, route, ok := parseRoute(tc.path)
			require.Equal(t, tc.slideID, slideID)
			require.Equal(t, tc.route, route)
			require.Equal(t, tc.ok, ok)
		})
	}
}

func TestNewRuntimeHandlerNilRuntime(t *testing.T) {
	handler := NewRuntimeHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRuntimeHandlerDispatchesRoutes(t *testing.T) {
	tests := []struct {
		method    string
		path      string
		wantCall  string
		wantSlide string
	}{
		{method: http.MethodGet, path: "/healthz", wantCall: "health"},
		{method: http.MethodHead, path: "/health", wantCall: "health"},
		{method: http.MethodGet, path: "/stats", wantCall: "stats"},
		{method: http.MethodPost, path: "/layout", wantCall: "layout"},
		{method: http.MethodGet, path: "/slides", wantCall: "list"},
		{method: http.MethodPost, path: "/slides", wantCall: "upsert"},
		{method: http.MethodPut, path: "/slides", wantCall: "upsert"},
		{method: http.MethodDelete, path: "/slides/a", wantCall: "delete-slide", wantSlide: "a"},
		{method: http.MethodPost, path: "/slides/a/thumbnail", wantCall: "thumbnail", wantSlide: "a"},
		{method: http.MethodDelete, path: "/slides/a/thumbnail", wantCall: "delete-thumbnail", wantSlide: "a"},
		{method: http.MethodDelete, path: "/thumbnails", wantCall: "delete-thumbnails"},
		{method: http.MethodGet, path: "/groups", wantCall: "groups"},
	}

	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			stub := &stubRuntime{slides: map[string]bool{"a": true}}
			handler := NewRuntimeHandler(stub, nil)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, http.NoBody))

			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, []string{tc.wantCall}, stub.calls)
			require.Equal(t, []string{tc.wantSlide}, stub.slideIDs)
		})
	}
}

func TestRuntimeHandlerRejectsMethods(t *testing.T) {
	tests := []struct {
		method    string
		path      string
		wantAllow string
	}{
		{method: http.MethodPost, path: "/healthz", wantAllow: "GET"},
		{method: http.MethodGet, path: "/layout", wantAllow: "POST"},
		{method: http.MethodDelete, path: "/slides", wantAllow: "GET, POST, PUT"},
		{method: http.MethodGet, path: "/slides/a", wantAllow: "DELETE"},
		{method: http.MethodGet, path: "/slides/a/thumbnail", wantAllow: "POST, DELETE"},
		{method: http.MethodPost, path: "/thumbnails", wantAllow: "DELETE"},
	}

	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			stub := &stubRuntime{slides: map[string]bool{"a": true}}
			handler := NewRuntimeHandler(stub, nil)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, http.NoBody))

			require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			require.Equal(t, tc.wantAllow, rec.Header().Get("Allow"))
			require.Empty(t, stub.calls)
		})
	}
}

func TestRuntimeHandlerMissingSlide(t *testing.T) {
	stub := &stubRuntime{slides: map[string]bool{}}
	handler := NewRuntimeHandler(stub, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/slides/missing/thumbnail", http.NoBody))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, http.StatusNotFound, stub.writeErrorStatus)
	require.Contains(t, stub.writeErrorMessage, "missing")
	require.Empty(t, stub.calls)
}

func TestRuntimeHandlerMetrics(t *testing.T) {
	stub := &stubRuntime{}

	rec := httptest.NewRecorder()
	NewRuntimeHandler(stub, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusNotFound, rec.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec = httptest.NewRecorder()
	NewRuntimeHandler(stub, metrics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Empty(t, stub.calls)
}

func TestRuntimeHandlerNotFound(t *testing.T) {
	stub := &stubRuntime{}
	rec := httptest.NewRecorder()
	NewRuntimeHandler(stub, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unsupported/path", http.NoBody))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, stub.calls)
}
