// Package gatewaytest provides an in-memory federation gateway for tests
// and local development.
package gatewaytest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"efgs-sync/internal/federation/models"
	"efgs-sync/internal/federation/wire"
)

// Page is one downloadable batch together with its audit entries.
type Page struct {
	Tag    string
	Keys   []models.WireKey
	Audits []models.AuditEntry
}

// Upload records a batch received by the hub.
type Upload struct {
	BatchTag    string
	Signature   string
	ContentType string
	Keys        []models.WireKey
}

// UploadResponder decides the answer to an upload: a status code and, for
// 207, the index buckets.
type UploadResponder func(u Upload) (int, map[int][]int)

type Hub struct {
	mu              sync.Mutex
	pages           map[string][]Page
	uploads         []Upload
	callbacks       map[string]string
	uploadResponder UploadResponder
	downloadFaults  map[string]int
	auditFaults     map[string]int
}

func NewHub() *Hub {
	return &Hub{
		pages:          make(map[string][]Page),
		callbacks:      make(map[string]string),
		downloadFaults: make(map[string]int),
		auditFaults:    make(map[string]int),
	}
}

// Serve starts an httptest server for the hub, closed with the test.
func (h *Hub) Serve(t testing.TB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// AddPage appends a page to date. Pages are served in insertion order.
func (h *Hub) AddPage(date time.Time, p Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := models.FormatDate(date)
	h.pages[d] = append(h.pages[d], p)
}

func (h *Hub) RespondToUploads(r UploadResponder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploadResponder = r
}

// FailDownloads makes the next n downloads of tag answer 500. An empty tag
// targets first-page requests.
func (h *Hub) FailDownloads(tag string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downloadFaults[tag] = n
}

func (h *Hub) FailAudits(tag string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auditFaults[tag] = n
}

func (h *Hub) Uploads() []Upload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.uploads)
}

func (h *Hub) Callbacks() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.callbacks))
	for k, v := range h.callbacks {
		out[k] = v
	}
	return out
}

func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/diagnosiskeys/upload", h.handleUpload)
	r.Get("/diagnosiskeys/download/{date}", h.handleDownload)
	r.Get("/diagnosiskeys/audit/download/{date}/{tag}", h.handleAudit)
	r.Get("/diagnosiskeys/callback", h.handleListCallbacks)
	r.Put("/diagnosiskeys/callback/{id}", h.handlePutCallback)
	r.Delete("/diagnosiskeys/callback/{id}", h.handleDeleteCallback)
	return r
}

func (h *Hub) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != wire.ContentType {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	keys, err := wire.UnmarshalBatch(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u := Upload{
		BatchTag:    r.Header.Get("batchTag"),
		Signature:   r.Header.Get("batchSignature"),
		ContentType: r.Header.Get("Content-Type"),
		Keys:        keys,
	}

	h.mu.Lock()
	h.uploads = append(h.uploads, u)
	responder := h.uploadResponder
	h.mu.Unlock()

	status, buckets := http.StatusCreated, map[int][]int(nil)
	if responder != nil {
		status, buckets = responder(u)
	}
	if status != http.StatusMultiStatus {
		w.WriteHeader(status)
		return
	}
	out := make(map[string][]int, len(buckets))
	for code, idx := range buckets {
		out[strconv.Itoa(code)] = idx
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMultiStatus)
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Hub) handleDownload(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	tag := r.Header.Get("batchTag")

	h.mu.Lock()
	if h.downloadFaults[tag] > 0 {
		h.downloadFaults[tag]--
		h.mu.Unlock()
		http.Error(w, "gateway failure", http.StatusInternalServerError)
		return
	}
	pages := h.pages[date]
	idx := 0
	if tag != "" {
		idx = slices.IndexFunc(pages, func(p Page) bool { return p.Tag == tag })
	}
	if idx < 0 || idx >= len(pages) {
		h.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	page := pages[idx]
	next := "null"
	if idx+1 < len(pages) {
		next = pages[idx+1].Tag
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", wire.ContentType)
	w.Header().Set("batchTag", page.Tag)
	w.Header().Set("nextBatchTag", next)
	_, _ = w.Write(wire.MarshalBatch(page.Keys))
}

func (h *Hub) handleAudit(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	tag := chi.URLParam(r, "tag")

	h.mu.Lock()
	if h.auditFaults[tag] > 0 {
		h.auditFaults[tag]--
		h.mu.Unlock()
		http.Error(w, "gateway failure", http.StatusInternalServerError)
		return
	}
	idx := slices.IndexFunc(h.pages[date], func(p Page) bool { return p.Tag == tag })
	if idx < 0 {
		h.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	audits := h.pages[date][idx].Audits
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(audits)
}

type callback struct {
	ID  string `json:"callbackId"`
	URL string `json:"url"`
}

func (h *Hub) handleListCallbacks(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	out := make([]callback, 0, len(h.callbacks))
	for id, u := range h.callbacks {
		out = append(out, callback{ID: id, URL: u})
	}
	h.mu.Unlock()
	slices.SortFunc(out, func(a, b callback) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Hub) handlePutCallback(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.callbacks[chi.URLParam(r, "id")] = u
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) handleDeleteCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	_, ok := h.callbacks[id]
	delete(h.callbacks, id)
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}
