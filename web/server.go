package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"BatteryManager6813/balancing"
	"BatteryManager6813/bms"
	"BatteryManager6813/datalog"
	"BatteryManager6813/faults"
	"BatteryManager6813/fsm"
	"BatteryManager6813/pack"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Controller is the part of the control loop the web interface drives.
type Controller interface {
	Status() bms.Status
	Fire(e fsm.Event) error
	SetBalancing(ctx context.Context, cfg balancing.Config) error
	SetTarget(mv uint16) error
	ClearTarget() error
	EnableBalancing(on bool) error
}

type History interface {
	History(ctx context.Context, start, end time.Time) ([]datalog.Sample, error)
}

type Server struct {
	ctl     Controller
	history History
	static  fs.FS
	pool    *Pool
	router  *mux.Router
}

type Option func(*Server)

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithStatic serves a single page application from dir for every unmatched path.
func WithStatic(dir string) Option {
	return WithStaticFS(os.DirFS(dir))
}

// WithStaticFS serves the single page application from fsys, which must hold index.html.
func WithStaticFS(fsys fs.FS) Option {
	return func(s *Server) { s.static = fsys }
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func New(ctl Controller, opts ...Option) *Server {
	s := &Server{ctl: ctl, pool: NewPool()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	router := mux.NewRouter().StrictSlash(true)
	router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(optionsHandler)
	router.HandleFunc("/status", s.getStatus).Methods("GET")
	router.HandleFunc("/values", s.getValues).Methods("GET")
	router.HandleFunc("/faults", s.getFaults).Methods("GET")
	router.HandleFunc("/balancing", s.getBalancing).Methods("GET")
	router.HandleFunc("/balancing", s.patchBalancing).Methods("PATCH")
	router.HandleFunc("/balancing/target/{mv}", s.patchTarget).Methods("PATCH")
	router.HandleFunc("/balancing/target", s.deleteTarget).Methods("DELETE")
	router.HandleFunc("/balancing/{onOff:on|off}", s.patchBalancingOnOff).Methods("PATCH")
	router.HandleFunc("/ts/{cmd:on|off|charge}", s.patchTS).Methods("PATCH")
	router.HandleFunc("/reinit", s.patchReinit).Methods("PATCH")
	router.HandleFunc("/history", s.getHistory).Methods("GET")
	router.HandleFunc("/ws", s.startDataWebSocket).Methods("GET")
	if s.static != nil {
		router.PathPrefix("/").Handler(newSPAHandler(s.static))
	}
	s.router = router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Observe pushes a status to the websocket clients. It never blocks the caller.
func (s *Server) Observe(st bms.Status) {
	data, err := json.Marshal(st)
	if err != nil {
		log.WithError(err).Error("Encoding status for websocket clients failed")
		return
	}
	s.pool.Publish(data)
}

// Run serves HTTP on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.pool.Start(ctx)
	srv := &http.Server{
		Handler:      s.router,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	log.WithField("addr", addr).Info("Starting the WEB server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "PATCH, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Expose-Headers", "Authorization")
}

func optionsHandler(w http.ResponseWriter, _ *http.Request) {
	setHeaders(w)
	w.WriteHeader(http.StatusOK)
}

func returnJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Writing web response failed")
	}
}

func returnJSONError(w http.ResponseWriter, what string, err error, status int) {
	w.WriteHeader(status)
	returnJSON(w, map[string]string{"error": err.Error(), "context": what})
	log.WithError(err).WithField("request", what).Debug("Web request rejected")
}

// commandError maps a rejected controller command to an HTTP status.
func commandError(w http.ResponseWriter, what string, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, bms.ErrQueueFull) {
		status = http.StatusServiceUnavailable
	}
	returnJSONError(w, what, err, status)
}

func accepted(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
	returnJSON(w, map[string]bool{"queued": true})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	setHeaders(w)
	returnJSON(w, s.ctl.Status())
}

func (s *Server) getValues(w http.ResponseWriter, _ *http.Request) {
	setHeaders(w)
	st := s.ctl.Status()
	returnJSON(w, struct {
		State fsm.State     `json:"state"`
		Pack  pack.Snapshot `json:"pack"`
	}{st.State, st.Snapshot})
}

func (s *Server) getFaults(w http.ResponseWriter, _ *http.Request) {
	setHeaders(w)
	st := s.ctl.Status()
	returnJSON(w, struct {
		Faults    []faults.Instance `json:"faults"`
		Warnings  []faults.Warning  `json:"warnings"`
		Fatal     bool              `json:"fatal"`
		LastFatal *faults.Instance  `json:"last_fatal,omitempty"`
	}{st.Faults, st.Warnings, st.Fatal, st.LastFatal})
}

func (s *Server) getBalancing(w http.ResponseWriter, _ *http.Request) {
	setHeaders(w)
	st := s.ctl.Status()
	returnJSON(w, struct {
		Config  balancing.Config `json:"config"`
		Enabled bool             `json:"enabled"`
		Status  string           `json:"status"`
		Target  uint16           `json:"target,omitempty"`
		Cells   []bool           `json:"cells"`
		Report  string           `json:"report"`
	}{st.BalancingConfig, st.BalancingEnabled, st.BalancingStatus.String(), st.Target, st.Balancing.Cells, st.Balancing.Report()})
}

func (s *Server) patchBalancing(w http.ResponseWriter, r *http.Request) {
	setHeaders(w)
	cfg := s.ctl.Status().BalancingConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		returnJSONError(w, "Balancing", err, http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetBalancing(r.Context(), cfg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, balancing.ErrThreshold) || errors.Is(err, balancing.ErrSlotTime) {
			status = http.StatusBadRequest
		} else if errors.Is(err, bms.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		returnJSONError(w, "Balancing", err, status)
		return
	}
	returnJSON(w, cfg)
}

func (s *Server) patchTarget(w http.ResponseWriter, r *http.Request) {
	setHeaders(w)
	mv, err := strconv.ParseUint(mux.Vars(r)["mv"], 10, 16)
	if err != nil {
		returnJSONError(w, "Balancing target", fmt.Errorf("invalid target millivolts (mv)"), http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetTarget(uint16(mv)); err != nil {
		commandError(w, "Balancing target", err)
		return
	}
	accepted(w)
}

func (s *Server) deleteTarget(w http.ResponseWriter, _ *http.Request) {
	setHeaders(w)
	if err := s.ctl.ClearTarget(); err != nil {
		commandError(w, "Balancing target", err)
		return
	}
	accepted(w)
}

func (s *Server) patchBalancingOnOff(w http.ResponseWriter, r *http.Request) {
	setHeaders(w)
	if err := s.ctl.EnableBalancing(mux.Vars(r)["onOff"] == "on"); err != nil {
		commandError(w, "Balancing", err)
		return
	}
	accepted(w)
}

var tsEvents = map[string]fsm.Event{
	"on":     fsm.CloseTS,
	"charge": fsm.CloseTSCharge,
	"off":    fsm.OpenTS,
}

func (s *Server) patchTS(w http.ResponseWriter, r *http.Request) {
	setHeaders(w)
	if err := s.ctl.Fire(tsEvents[mux.Vars(r)["cmd"]]); err != nil {
		commandError(w, "Tractive system", err)
		return
	}
	accepted(w)
}

func (s *Server) patchReinit(w http.ResponseWriter, _ *http.Request) {
	setHeaders(w)
	if err := s.ctl.Fire(fsm.Reinit); err != nil {
		commandError(w, "Reinit", err)
		return
	}
	accepted(w)
}

/*
GetTimeRange returns the start and end times passed as query parameters in the form
2006-1-2 15:4.
*/
func GetTimeRange(r *http.Request) (start time.Time, end time.Time, err error) {
	params := r.URL.Query()
	values := params["start"]
	if len(values) != 1 {
		err = fmt.Errorf("exactly one 'start=' value must be supplied for start time")
		return
	}
	if start, err = time.ParseInLocation("2006-1-2 15:4", values[0], time.Local); err != nil {
		return
	}
	values = params["end"]
	if len(values) != 1 {
		err = fmt.Errorf("exactly one 'end=' value must be supplied for end time")
		return
	}
	end, err = time.ParseInLocation("2006-1-2 15:4", values[0], time.Local)
	return
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	setHeaders(w)
	if s.history == nil {
		returnJSONError(w, "History", fmt.Errorf("no history database configured"), http.StatusNotFound)
		return
	}
	start, end, err := GetTimeRange(r)
	if err != nil {
		returnJSONError(w, "History", err, http.StatusBadRequest)
		return
	}
	samples, err := s.history.History(r.Context(), start, end)
	if errors.Is(err, datalog.ErrRange) {
		returnJSONError(w, "History", err, http.StatusBadRequest)
		return
	}
	if err != nil {
		returnJSONError(w, "History", err, http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []datalog.Sample{}
	}
	returnJSON(w, samples)
}

func (s *Server) startDataWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	if err := conn.WriteJSON(s.ctl.Status()); err != nil {
		_ = conn.Close()
		return
	}
	c := &client{conn: conn}
	select {
	case s.pool.register <- c:
	case <-s.pool.done:
		_ = conn.Close()
		return
	}
	// Reads only detect the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case s.pool.unregister <- c:
	case <-s.pool.done:
	}
}

// spaHandler serves the web app files. Paths that name no file get index.html so the app can
// do its own routing.
type spaHandler struct {
	files fs.FS
	serve http.Handler
}

func newSPAHandler(files fs.FS) spaHandler {
	return spaHandler{files: files, serve: http.FileServer(http.FS(files))}
}

func (h spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)[1:]
	if name == "" {
		name = "."
	}
	_, err := fs.Stat(h.files, name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r = r.Clone(r.Context())
		r.URL.Path = "/"
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.serve.ServeHTTP(w, r)
}
