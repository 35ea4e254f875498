package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/session"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// hexBytes round-trips through JSON as a hex string; the wire format every
// handler below uses for bytecode, arguments, responses and ids, since JSON
// has no native byte-string type.
type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = nil
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("server: invalid hex: %w", err)
	}
	*h = b
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func parseContractID(s string) (vmtypes.ContractID, error) {
	if s == "" {
		return vmtypes.ContractID{}, nil
	}
	return vmtypes.ContractIDFromHex(s)
}

type openSessionRequest struct {
	Base string `json:"base"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req openSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var base vmtypes.Hash
	if req.Base != "" {
		b, err := vmtypes.HashFromHex(req.Base)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		base = b
	}

	sess, err := session.New(r.Context(), s.cfg, s.store, s.meta, s.eng, s.log, base)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, openSessionResponse{SessionID: sess.ID().String()})
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sessionIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("server: no open session %s", id))
		return
	}
	if err := sess.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type deployRequest struct {
	SessionID  string   `json:"session_id"`
	Bytecode   hexBytes `json:"bytecode"`
	ContractID string   `json:"contract_id"`
	Flavor     string   `json:"flavor"`
	InitArg    hexBytes `json:"init_arg"`
	Owner      hexBytes `json:"owner"`
	GasLimit   uint64   `json:"gas_limit"`
}

type deployResponse struct {
	ContractID string `json:"contract_id"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req deployRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.getSession(sessID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	explicitID, err := parseContractID(req.ContractID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := session.DeployOptions{
		ContractID: explicitID,
		Flavor:     config.MemoryFlavor(req.Flavor),
		InitArg:    req.InitArg,
		Owner:      req.Owner,
	}
	id, err := sess.Deploy(r.Context(), req.Bytecode, opts, req.GasLimit)
	resp := deployResponse{ContractID: id.String()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type callRequest struct {
	SessionID  string   `json:"session_id"`
	ContractID string   `json:"contract_id"`
	Fn         string   `json:"fn"`
	Arg        hexBytes `json:"arg"`
	GasLimit   uint64   `json:"gas_limit"`
}

type eventPayload struct {
	Source string   `json:"source"`
	Topic  string   `json:"topic"`
	Data   hexBytes `json:"data"`
}

type callResponse struct {
	Data     hexBytes       `json:"data,omitempty"`
	GasLimit uint64         `json:"gas_limit"`
	GasSpent uint64         `json:"gas_spent"`
	Events   []eventPayload `json:"events,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func toEventPayloads(events []vmtypes.Event) []eventPayload {
	out := make([]eventPayload, len(events))
	for i, e := range events {
		out[i] = eventPayload{Source: e.Source.String(), Topic: e.Topic, Data: e.Data}
	}
	return out
}

// handleCall runs a top-level call_raw: the HTTP surface has no way to
// carry a caller-specified Go type T, so it always exposes the raw-bytes
// shape of §4.8's "call_raw"; typed decoding (§4.8's "call") is a
// same-process convenience layered over it (session.Call[T]).
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req callRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.getSession(sessID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	contractID, err := parseContractID(req.ContractID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt := sess.CallRaw(r.Context(), contractID, req.Fn, req.Arg, req.GasLimit)
	resp := callResponse{
		Data:     receipt.Data,
		GasLimit: receipt.GasLimit,
		GasSpent: receipt.GasSpent,
		Events:   toEventPayloads(receipt.Events),
	}
	if receipt.Err != nil {
		resp.Error = receipt.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFeederCall streams a feeder call's blobs as newline-delimited JSON
// objects, followed by one final object carrying the call's receipt, using
// http.Flusher the way a long-poll/SSE handler would — there is no teacher
// precedent for streaming, so this follows net/http's own chunked-response
// idiom rather than reaching for a dependency.
func (s *Server) handleFeederCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req callRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.getSession(sessID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	contractID, err := parseContractID(req.ContractID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("server: streaming unsupported by this connection"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	feed, wait := sess.FeederCallRaw(r.Context(), contractID, req.Fn, req.Arg, req.GasLimit)
	for blob := range feed {
		_ = enc.Encode(map[string]any{"blob": hexBytes(blob)})
		flusher.Flush()
	}
	receipt := wait()
	resp := callResponse{Data: receipt.Data, GasLimit: receipt.GasLimit, GasSpent: receipt.GasSpent, Events: toEventPayloads(receipt.Events)}
	if receipt.Err != nil {
		resp.Error = receipt.Err.Error()
	}
	_ = enc.Encode(map[string]any{"final": resp})
	flusher.Flush()
}

type migrateRequest struct {
	SessionID   string   `json:"session_id"`
	ContractID  string   `json:"contract_id"`
	NewBytecode hexBytes `json:"new_bytecode"`
	Data        hexBytes `json:"data"`
	GasLimit    uint64   `json:"gas_limit"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req migrateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.getSession(sessID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	contractID, err := parseContractID(req.ContractID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := sess.Migrate(r.Context(), contractID, req.NewBytecode, req.Data, req.GasLimit); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

func (s *Server) sessionFromQuery(r *http.Request) (*session.Session, error) {
	id, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		return nil, err
	}
	return s.getSession(id)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	root, err := sess.Root()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"root": root.String()})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sessionIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.getSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	root, err := sess.Commit()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"root": root.String()})
}

type pageEntryPayload struct {
	Index uint64   `json:"index"`
	Page  hexBytes `json:"page"`
}

func (s *Server) handleMemoryPages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	contractID, err := parseContractID(r.URL.Query().Get("contract_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pages, err := sess.MemoryPages(contractID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]pageEntryPayload, len(pages))
	for i, p := range pages {
		out[i] = pageEntryPayload{Index: p.Index, Page: p.Page}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": out})
}

type metaRequest struct {
	SessionID string   `json:"session_id"`
	Key       string   `json:"key"`
	Value     hexBytes `json:"value"`
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	var req metaRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.getSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := sess.SetMeta(req.Key, req.Value); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	case http.MethodDelete:
		if err := sess.RemoveMeta(req.Key); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
