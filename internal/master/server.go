package master

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mohofarm/renderfarm/internal/observer"
	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

// DefaultPort is the master's default listen port.
const DefaultPort = 5580

// Server is the HTTP/JSON control plane: it wires State to the wire
// protocol in spec §6. One gorilla/mux router carries the whole
// endpoint surface, including the path-parameterized blob endpoints
// that a bare http.ServeMux can't express cleanly.
type Server struct {
	state    *State
	obs      observer.Observer
	blobDir  string
	log      *slog.Logger
	router   *mux.Router
	httpSrv  *http.Server
}

// NewServer builds a Server listening on addr (e.g. ":5580"). blobDir
// holds uploaded job input bundles for the upload/download/cleanup
// side channel.
func NewServer(addr, blobDir string, obs observer.Observer, log *slog.Logger) *Server {
	if obs == nil {
		obs = observer.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		state:   NewState(),
		obs:     obs,
		blobDir: blobDir,
		log:     log,
		router:  mux.NewRouter(),
	}
	s.routes()
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// State exposes the underlying job/slave state for the sweeper and
// for in-process callers (e.g. a CLI submitting jobs directly).
func (s *Server) State() *State { return s.state }

// Router exposes the mux.Router for callers that want to serve it
// themselves, e.g. wrapping it in an httptest.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/api/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/api/heartbeat", s.handleHeartbeat).Methods("POST")
	r.HandleFunc("/api/get_job", s.handleGetJob).Methods("GET")
	r.HandleFunc("/api/job_complete", s.handleJobComplete).Methods("POST")
	r.HandleFunc("/api/add_job", s.handleAddJob).Methods("POST")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/queue", s.handleQueue).Methods("GET")
	r.HandleFunc("/api/upload_files/{job_id}", s.handleUpload).Methods("POST")
	r.HandleFunc("/api/download_files/{job_id}", s.handleDownload).Methods("GET")
	r.HandleFunc("/api/cleanup_files/{job_id}", s.handleCleanup).Methods("DELETE")
}

// ListenAndServe runs the HTTP server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("master server starting", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown() error {
	return s.httpSrv.Close()
}

// clientAddress derives the registry key the way master.py does:
// the caller's IP combined with the port it reports in its request
// body (its listen port, not its ephemeral source port).
func clientAddress(r *http.Request, port int) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

type registerRequest struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr := net.JoinHostPort(host, strconv.Itoa(req.Port))

	info := &farmtypes.SlaveInfo{Hostname: req.Hostname, IP: host, Port: req.Port}
	s.state.RegisterSlave(info)
	s.obs.OnOutput("slave connected: " + req.Hostname + " (" + addr + ")")

	writeJSON(w, map[string]any{"status": "registered", "address": addr})
}

type heartbeatRequest struct {
	Port        int    `json:"port"`
	Status      string `json:"status"`
	ActiveJobs  int    `json:"active_jobs"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	addr := clientAddress(r, req.Port)
	signals, err := s.state.Heartbeat(addr, farmtypes.SlaveStatus(req.Status))
	if err != nil {
		writeJSON(w, map[string]any{"status": "unregistered"})
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "cancel_jobs": signals, "force_update": false})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	port, _ := strconv.Atoi(r.URL.Query().Get("port"))
	addr := clientAddress(r, port)

	job, err := s.state.GetJob(addr)
	if errors.Is(err, ErrSlaveNotFound) {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"job": nil, "error": "not registered"})
		return
	}
	if job == nil {
		writeJSON(w, map[string]any{"job": nil})
		return
	}
	s.obs.OnOutput("job assigned: " + job.ProjectName() + " [" + job.ID + "] -> " + addr)
	s.obs.OnQueueChanged()
	writeJSON(w, map[string]any{"job": job})
}

type jobCompleteRequest struct {
	Port      int    `json:"port"`
	JobID     string `json:"job_id"`
	Success   bool   `json:"success"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error"`
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var req jobCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	addr := clientAddress(r, req.Port)
	if err := s.state.CompleteJob(req.JobID, addr, req.Success, req.Cancelled, req.Error); err != nil {
		// A report for a job we no longer track as active (e.g. the
		// sweeper already requeued it) is logged and ignored, not
		// treated as a client error.
		s.log.Warn("job_complete for untracked job", "job_id", req.JobID, "slave", addr, "error", err)
		writeJSON(w, map[string]any{"status": "ok"})
		return
	}
	s.obs.OnQueueChanged()
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var job farmtypes.RenderJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.state.AddJob(&job); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.obs.OnOutput("job added to farm: " + job.ProjectName() + " [" + job.ID + "]")
	s.obs.OnQueueChanged()
	writeJSON(w, map[string]any{"status": "added", "job_id": job.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	slaves := map[string]*farmtypes.SlaveInfo{}
	for _, slave := range s.state.Slaves() {
		slaves[slave.Address()] = slave
	}
	resp := s.state.Stats()
	writeJSON(w, map[string]any{"slaves": slaves, "counts": resp})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var pending, reserved, active, completed []*farmtypes.RenderJob
	for _, job := range s.state.Snapshot() {
		switch job.Status {
		case farmtypes.StatusPending:
			if s.state.IsReserved(job.ID) {
				reserved = append(reserved, job)
			} else {
				pending = append(pending, job)
			}
		case farmtypes.StatusRendering:
			active = append(active, job)
		case farmtypes.StatusCompleted, farmtypes.StatusFailed, farmtypes.StatusCancelled:
			completed = append(completed, job)
		}
	}
	writeJSON(w, map[string]any{
		"pending":   pending,
		"reserved":  reserved,
		"active":    active,
		"completed": completed,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	dst := filepath.Join(s.blobDir, jobID+".zip")
	f, err := os.Create(dst)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, r.Body); err != nil {
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	src := filepath.Join(s.blobDir, jobID+".zip")
	f, err := os.Open(src)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/zip")
	io.Copy(w, f)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	_ = os.Remove(filepath.Join(s.blobDir, jobID+".zip"))
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
