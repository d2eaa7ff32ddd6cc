package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"sundial/internal/clock"
	"sundial/internal/config"
	"sundial/internal/convert"
	appLog "sundial/internal/log"
	"sundial/internal/render"
	"sundial/internal/theme"
)

const (
	frameCacheTTL = 30 * time.Second
	maxScale      = 8
)

// Server exposes the current lunar frame over HTTP: /health, /api/moon,
// /preview.png and /framebuffer.bin. It renders on its own and never touches
// the panel.
type Server struct {
	cfg      *config.Config
	renderer *render.Renderer
	theme    theme.Theme
	clock    clock.Clock
	mux      *http.ServeMux

	// now is the cache clock, separate from the rendering clock.
	now func() time.Time

	frameMu    sync.RWMutex
	frameCache *frameCache
}

// frameCache holds a rendered frame and its timestamp.
type frameCache struct {
	fb        *convert.Framebuffer
	frame     render.Frame
	updatedAt time.Time
}

// moonResponse is the JSON response shape for /api/moon.
type moonResponse struct {
	Instant             int64     `json:"instant"`
	Time                time.Time `json:"time"`
	Phase               float64   `json:"phase"`
	PhasePercent        int       `json:"phase_percent"`
	Illumination        float64   `json:"illumination"`
	IlluminationPercent int       `json:"illumination_percent"`
	Label               string    `json:"label"`
	Lines               []string  `json:"lines"`
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, r *render.Renderer, th theme.Theme, clk clock.Clock) *Server {
	s := &Server{
		cfg:      cfg,
		renderer: r,
		theme:    th,
		clock:    clk,
		mux:      http.NewServeMux(),
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials leave the server open.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Sundial", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/moon", s.handleMoon)
	s.mux.HandleFunc("/preview.png", s.handlePreview)
	s.mux.HandleFunc("/framebuffer.bin", s.handleFramebuffer)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// current returns the cached frame, rendering a new one once the cached copy
// is older than frameCacheTTL.
func (s *Server) current() (*convert.Framebuffer, render.Frame, error) {
	now := s.now()

	s.frameMu.RLock()
	fc := s.frameCache
	s.frameMu.RUnlock()
	if fc != nil && now.Sub(fc.updatedAt) < frameCacheTTL {
		return fc.fb, fc.frame, nil
	}

	fb := new(convert.Framebuffer)
	f, err := s.renderer.Draw(fb, s.theme, s.clock)
	if err != nil {
		return nil, render.Frame{}, err
	}

	s.frameMu.Lock()
	s.frameCache = &frameCache{fb: fb, frame: f, updatedAt: now}
	s.frameMu.Unlock()
	return fb, f, nil
}

// handleMoon returns the values shown on the current frame.
func (s *Server) handleMoon(w http.ResponseWriter, _ *http.Request) {
	_, f, err := s.current()
	if err != nil {
		appLog.Error("api moon: render failed", err)
		writeError(w, http.StatusInternalServerError, "failed to render frame")
		return
	}
	writeJSON(w, http.StatusOK, moonResponse{
		Instant:             int64(f.Instant),
		Time:                f.Instant.Time(),
		Phase:               f.Phase,
		PhasePercent:        render.Percent(f.Phase),
		Illumination:        f.Illumination,
		IlluminationPercent: render.Percent(f.Illumination),
		Label:               f.Label,
		Lines:               f.Lines,
	})
}

// handlePreview serves the current frame as a PNG in panel colors.
//
// GET /preview.png?scale=3
//   - scale: integer magnification 1..8 (default 1), nearest neighbour
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	scale := parseScale(r.URL.Query().Get("scale"))
	if scale < 1 || scale > maxScale {
		writeError(w, http.StatusBadRequest, "scale must be between 1 and 8")
		return
	}

	fb, _, err := s.current()
	if err != nil {
		appLog.Error("preview: render failed", err)
		writeError(w, http.StatusInternalServerError, "failed to render frame")
		return
	}

	img := Preview(fb, scale)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		appLog.Error("preview: encode failed", err)
	}
}

// handleFramebuffer serves the packed 2bpp frame exactly as it is sent to
// the panel.
func (s *Server) handleFramebuffer(w http.ResponseWriter, _ *http.Request) {
	fb, _, err := s.current()
	if err != nil {
		appLog.Error("framebuffer: render failed", err)
		writeError(w, http.StatusInternalServerError, "failed to render frame")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(convert.Size))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(fb[:])
}

// Preview converts fb to an RGBA image magnified by scale.
func Preview(fb *convert.Framebuffer, scale int) *image.NRGBA {
	img := imaging.Clone(fb)
	if scale <= 1 {
		return img
	}
	return imaging.Resize(img, convert.Width*scale, convert.Height*scale, imaging.NearestNeighbor)
}

// parseScale returns 1 for an empty value and 0 for one that is not a number.
func parseScale(s string) int {
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
