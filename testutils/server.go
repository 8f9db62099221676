package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

// FakeResponse is one canned reply for the fake homeserver's /sync endpoint.
// Either Body (a *sync2.SyncResponse or raw JSON-able value) or Errcode/Status
// is set.
type FakeResponse struct {
	Body    interface{}
	Status  int
	Errcode string
}

// SentToDevice records one captured /sendToDevice request.
type SentToDevice struct {
	EventType string
	TxnID     string
	Body      json.RawMessage
}

// FakeServer is an in-process homeserver double speaking just enough of the
// Client-Server API for the sync client: /versions, /sync, /pushrules,
// filter upload and /sendToDevice. Sync replies are served from a FIFO queue;
// when the queue is empty /sync blocks until more are queued or the server
// closes, mimicking a long-poll with nothing to say.
type FakeServer struct {
	URL string

	t      *testing.T
	server *httptest.Server

	mu               sync.Mutex
	syncQueue        chan FakeResponse
	versionsStatus   int
	pushRules        json.RawMessage
	filterUploads    []json.RawMessage
	sentToDevice     []SentToDevice
	sendToDeviceFail map[string]int // txnID -> status to fail with
}

func NewFakeServer(t *testing.T) *FakeServer {
	fs := &FakeServer{
		t:                t,
		syncQueue:        make(chan FakeResponse, 100),
		versionsStatus:   200,
		pushRules:        json.RawMessage(`{"global":{}}`),
		sendToDeviceFail: make(map[string]int),
	}
	r := mux.NewRouter()
	r.HandleFunc("/_matrix/client/versions", fs.handleVersions).Methods("GET")
	r.HandleFunc("/_matrix/client/r0/sync", fs.handleSync).Methods("GET")
	r.HandleFunc("/_matrix/client/r0/pushrules/", fs.handlePushRules).Methods("GET")
	r.HandleFunc("/_matrix/client/r0/user/{userID}/filter", fs.handleFilter).Methods("POST")
	r.HandleFunc("/_matrix/client/r0/sendToDevice/{eventType}/{txnID}", fs.handleSendToDevice).Methods("PUT")
	fs.server = httptest.NewServer(r)
	fs.URL = fs.server.URL
	t.Cleanup(fs.server.Close)
	return fs
}

// QueueSync appends a canned /sync reply.
func (fs *FakeServer) QueueSync(res FakeResponse) {
	fs.syncQueue <- res
}

// SetVersionsStatus changes what /versions replies with, to simulate outage.
func (fs *FakeServer) SetVersionsStatus(status int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.versionsStatus = status
}

// FailSendToDevice makes the given transaction fail with status.
func (fs *FakeServer) FailSendToDevice(txnID string, status int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sendToDeviceFail[txnID] = status
}

// SentToDeviceRequests returns the captured sends in arrival order.
func (fs *FakeServer) SentToDeviceRequests() []SentToDevice {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]SentToDevice, len(fs.sentToDevice))
	copy(out, fs.sentToDevice)
	return out
}

// FilterUploads returns the filter definitions uploaded so far.
func (fs *FakeServer) FilterUploads() []json.RawMessage {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]json.RawMessage, len(fs.filterUploads))
	copy(out, fs.filterUploads)
	return out
}

func (fs *FakeServer) handleVersions(w http.ResponseWriter, _ *http.Request) {
	fs.mu.Lock()
	status := fs.versionsStatus
	fs.mu.Unlock()
	if status != 200 {
		writeError(w, status, "M_UNKNOWN")
		return
	}
	w.Write([]byte(`{"versions":["r0.6.1"]}`))
}

func (fs *FakeServer) handleSync(w http.ResponseWriter, req *http.Request) {
	select {
	case res := <-fs.syncQueue:
		if res.Status != 0 && res.Status != 200 {
			writeError(w, res.Status, res.Errcode)
			return
		}
		if err := json.NewEncoder(w).Encode(res.Body); err != nil {
			fs.t.Errorf("FakeServer: failed to encode sync response: %s", err)
		}
	case <-req.Context().Done():
	}
}

func (fs *FakeServer) handlePushRules(w http.ResponseWriter, _ *http.Request) {
	fs.mu.Lock()
	rules := fs.pushRules
	fs.mu.Unlock()
	w.Write(rules)
}

func (fs *FakeServer) handleFilter(w http.ResponseWriter, req *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, 400, "M_BAD_JSON")
		return
	}
	fs.mu.Lock()
	fs.filterUploads = append(fs.filterUploads, body)
	n := len(fs.filterUploads)
	fs.mu.Unlock()
	fmt.Fprintf(w, `{"filter_id":"filter_%d"}`, n)
}

func (fs *FakeServer) handleSendToDevice(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	var body json.RawMessage
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, 400, "M_BAD_JSON")
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if status, ok := fs.sendToDeviceFail[vars["txnID"]]; ok {
		writeError(w, status, "M_FORBIDDEN")
		return
	}
	fs.sentToDevice = append(fs.sentToDevice, SentToDevice{
		EventType: vars["eventType"],
		TxnID:     vars["txnID"],
		Body:      body,
	})
	w.Write([]byte(`{}`))
}

func writeError(w http.ResponseWriter, status int, errcode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errcode":%q,"error":"fake server error"}`, errcode)
}
