package server

import (
	"fmt"
	"net/http"
	"strings"
)

// RuntimeHTTP defines the minimal surface the lifecycle router needs from the
// runtime to serve HTTP requests.
type RuntimeHTTP interface {
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeStats(http.ResponseWriter, *http.Request)
	ServeLayout(http.ResponseWriter, *http.Request)
	ServeListSlides(http.ResponseWriter, *http.Request)
	ServeUpsertSlides(http.ResponseWriter, *http.Request)
	ServeDeleteSlide(http.ResponseWriter, *http.Request)
	ServeThumbnail(http.ResponseWriter, *http.Request)
	ServeDeleteThumbnail(http.ResponseWriter, *http.Request)
	ServeDeleteAllThumbnails(http.ResponseWriter, *http.Request)
	ServeGroups(http.ResponseWriter, *http.Request)
	SlideExists(string) bool
	RequestWithSlideID(*http.Request, string) *http.Request
	WriteError(http.ResponseWriter, int, string)
}

const (
	routeHealth     = "healthz"
	routeStats      = "stats"
	routeLayout     = "layout"
	routeSlides     = "slides"
	routeSlide      = "slide"
	routeThumbnail  = "thumbnail"
	routeThumbnails = "thumbnails"
	routeGroups     = "groups"
	routeMetrics    = "metrics"
)

// NewRuntimeHandler wires the HTTP routing facade to the runtime so the
// lifecycle server owns URL dispatch. metrics may be nil, in which case
// /metrics is not served.
func NewRuntimeHandler(p RuntimeHTTP, metrics http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "runtime unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slideID, route, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch route {
		case routeHealth:
			if allow(p, w, r, http.MethodGet) {
				p.ServeHealth(w, r)
			}
		case routeStats:
			if allow(p, w, r, http.MethodGet) {
				p.ServeStats(w, r)
			}
		case routeLayout:
			if allow(p, w, r, http.MethodPost) {
				p.ServeLayout(w, r)
			}
		case routeSlides:
			switch r.Method {
			case http.MethodGet:
				p.ServeListSlides(w, r)
			case http.MethodPost, http.MethodPut:
				p.ServeUpsertSlides(w, r)
			default:
				methodNotAllowed(p, w, http.MethodGet, http.MethodPost, http.MethodPut)
			}
		case routeSlide:
			if allow(p, w, r, http.MethodDelete) {
				p.ServeDeleteSlide(w, p.RequestWithSlideID(r, slideID))
			}
		case routeThumbnail:
			if r.Method != http.MethodPost && r.Method != http.MethodDelete {
				methodNotAllowed(p, w, http.MethodPost, http.MethodDelete)
				return
			}
			if !p.SlideExists(slideID) {
				p.WriteError(w, http.StatusNotFound, fmt.Sprintf("slide %q not found", slideID))
				return
			}
			r = p.RequestWithSlideID(r, slideID)
			if r.Method == http.MethodPost {
				p.ServeThumbnail(w, r)
			} else {
				p.ServeDeleteThumbnail(w, r)
			}
		case routeThumbnails:
			if allow(p, w, r, http.MethodDelete) {
				p.ServeDeleteAllThumbnails(w, r)
			}
		case routeGroups:
			if allow(p, w, r, http.MethodGet) {
				p.ServeGroups(w, r)
			}
		case routeMetrics:
			if metrics == nil {
				http.NotFound(w, r)
				return
			}
			metrics.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func allow(p RuntimeHTTP, w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	methodNotAllowed(p, w, method)
	return false
}

func methodNotAllowed(p RuntimeHTTP, w http.ResponseWriter, methods ...string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	p.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// parseRoute returns the slide id (for slide-scoped routes) and the route name.
func parseRoute(path string) (string, string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if part == "" {
			return "", "", false
		}
	}
	switch len(parts) {
	case 1:
		route := strings.ToLower(parts[0])
		switch route {
		case "health", "healthz":
			return "", routeHealth, true
		case routeStats, routeLayout, routeSlides, routeThumbnails, routeGroups, routeMetrics:
			return "", route, true
		}
	case 2:
		if strings.ToLower(parts[0]) == routeSlides {
			return parts[1], routeSlide, true
		}
	case 3:
		if strings.ToLower(parts[0]) == routeSlides && strings.ToLower(parts[2]) == routeThumbnail {
			return parts[1], routeThumbnail, true
		}
	}
	return "", "", false
}
