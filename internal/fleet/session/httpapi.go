package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/zjrosen/comfyfleet/internal/fleet/wire"
	"github.com/zjrosen/comfyfleet/internal/log"
)

// QueuePosition controls where a submitted workflow lands in the server
// queue. The zero value appends.
type QueuePosition struct {
	front bool
	index *int
}

// Append queues the workflow at the back of the server queue.
func Append() QueuePosition { return QueuePosition{} }

// Front queues the workflow ahead of everything pending.
func Front() QueuePosition { return QueuePosition{front: true} }

// At queues the workflow at the given index. Negative indexes append.
func At(index int) QueuePosition {
	if index < 0 {
		return QueuePosition{}
	}
	return QueuePosition{index: &index}
}

// applyAuth sets credential and custom headers on an outbound request.
func (s *Session) applyAuth(h http.Header) {
	for k, v := range s.cfg.Headers {
		h.Set(k, v)
	}
	c := s.cfg.Credentials
	if c == nil {
		return
	}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	if c.BearerToken != "" {
		h.Set("Authorization", "Bearer "+c.BearerToken)
	}
	// Basic auth needs the request object; newRequest applies it.
}

// newRequest builds an authenticated request against the server base URL
// and records the traffic for the idle watchdog.
func (s *Session) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := s.base.String() + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("session: building %s %s: %w", method, path, err)
	}
	s.applyAuth(req.Header)
	if c := s.cfg.Credentials; c != nil && c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	s.touchActivity()
	return req, nil
}

// do executes a request and returns the response, converting non-2xx
// into an error carrying a bounded body snippet.
func (s *Session) do(req *http.Request) (*http.Response, error) {
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := readSnippet(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("session: %s %s: unexpected status %s: %s",
			req.Method, req.URL.Path, resp.Status, snippet)
	}
	return resp, nil
}

// readSnippet reads at most maxBodySnippet bytes of a body for diagnostics.
func readSnippet(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, maxBodySnippet))
	return strings.TrimSpace(string(buf))
}

// getJSON fetches path and decodes the JSON response into out.
func (s *Session) getJSON(ctx context.Context, path string, out any) error {
	req, err := s.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("session: decoding %s response: %w", path, err)
	}
	return nil
}

// QueueStatus returns the server queue depth from GET /prompt.
func (s *Session) QueueStatus(ctx context.Context) (*wire.QueueStatus, error) {
	var qs wire.QueueStatus
	if err := s.getJSON(ctx, "/prompt", &qs); err != nil {
		return nil, err
	}
	return &qs, nil
}

// QueueSnapshot returns the running and pending entries from GET /queue.
func (s *Session) QueueSnapshot(ctx context.Context) (*wire.QueueSnapshot, error) {
	var snap struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := s.getJSON(ctx, "/queue", &snap); err != nil {
		return nil, err
	}
	return &wire.QueueSnapshot{Running: snap.Running, Pending: snap.Pending}, nil
}

// Submit posts a workflow graph for execution and returns the server's
// prompt id. extra rides the request's extra_data field untouched. A
// non-200 response is returned as *EnqueueError with the body preserved
// for failure classification.
func (s *Session) Submit(ctx context.Context, workflow json.RawMessage, extra map[string]any, pos QueuePosition) (*wire.PromptResponse, error) {
	payload := wire.PromptRequest{
		ClientID:  s.ID(),
		Prompt:    workflow,
		ExtraData: extra,
		Front:     pos.front,
		Number:    pos.index,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("session: encoding prompt request: %w", err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, "/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session: POST /prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.enqueueError(resp)
	}

	var pr wire.PromptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("session: decoding prompt response: %w", err)
	}
	if pr.PromptID == "" {
		return nil, fmt.Errorf("session: prompt response missing prompt_id")
	}
	return &pr, nil
}

// enqueueError builds an EnqueueError from a failed POST /prompt response.
func (s *Session) enqueueError(resp *http.Response) *EnqueueError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	ee := &EnqueueError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		URL:        resp.Request.URL.String(),
		Method:     resp.Request.Method,
	}

	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		ee.Body = json.RawMessage(raw)
		ee.Reason = extractReason(parsed)
	} else {
		snippet := raw
		if len(snippet) > maxBodySnippet {
			snippet = snippet[:maxBodySnippet]
		}
		ee.Snippet = strings.TrimSpace(string(snippet))
	}

	log.Warn(log.CatSession, "Enqueue rejected",
		"url", s.URL(), "status", resp.StatusCode, "reason", ee.Reason)
	return ee
}

// Interrupt asks the server to stop the currently executing prompt.
// ComfyUI interrupts whatever is running; promptID is logged for context.
func (s *Session) Interrupt(ctx context.Context, promptID string) error {
	req, err := s.newRequest(ctx, http.MethodPost, "/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("session: interrupting prompt %s: %w", promptID, err)
	}
	_ = resp.Body.Close()
	log.Debug(log.CatSession, "Interrupt sent", "url", s.URL(), "promptId", promptID)
	return nil
}

// FreeMemory asks the server to unload models and/or free cached memory.
// Failures are logged and swallowed; not every server build exposes /free.
func (s *Session) FreeMemory(ctx context.Context, unloadModels, freeMemory bool) {
	body, _ := json.Marshal(map[string]bool{
		"unload_models": unloadModels,
		"free_memory":   freeMemory,
	})
	req, err := s.newRequest(ctx, http.MethodPost, "/free", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.do(req)
	if err != nil {
		log.Debug(log.CatSession, "Free memory request failed", "url", s.URL(), "error", err)
		return
	}
	_ = resp.Body.Close()
}

// SystemStats returns the raw /system_stats payload.
func (s *Session) SystemStats(ctx context.Context) (json.RawMessage, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "/system_stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("session: reading system stats: %w", err)
	}
	return json.RawMessage(raw), nil
}

// ObjectInfo returns the server's node class metadata. With node set,
// only that class is fetched.
func (s *Session) ObjectInfo(ctx context.Context, node string) (json.RawMessage, error) {
	path := "/object_info"
	if node != "" {
		path += "/" + node
	}
	req, err := s.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("session: reading object info: %w", err)
	}
	return json.RawMessage(raw), nil
}

// Checkpoints lists the checkpoint models installed on the server, read
// from the CheckpointLoaderSimple node's input metadata.
func (s *Session) Checkpoints(ctx context.Context) ([]string, error) {
	raw, err := s.ObjectInfo(ctx, "CheckpointLoaderSimple")
	if err != nil {
		return nil, err
	}

	var parsed map[string]struct {
		Input struct {
			Required map[string]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("session: decoding checkpoint metadata: %w", err)
	}
	loader, ok := parsed["CheckpointLoaderSimple"]
	if !ok {
		return nil, fmt.Errorf("session: server reports no CheckpointLoaderSimple node")
	}
	ckpt, ok := loader.Input.Required["ckpt_name"]
	if !ok {
		return nil, fmt.Errorf("session: checkpoint loader missing ckpt_name input")
	}

	// ckpt_name is [[names...], {options}]; only the name list matters.
	var spec []json.RawMessage
	if err := json.Unmarshal(ckpt, &spec); err != nil || len(spec) == 0 {
		return nil, fmt.Errorf("session: unexpected ckpt_name shape")
	}
	var names []string
	if err := json.Unmarshal(spec[0], &names); err != nil {
		return nil, fmt.Errorf("session: decoding checkpoint names: %w", err)
	}
	return names, nil
}

// UploadOptions tunes asset uploads.
type UploadOptions struct {
	// Subfolder places the asset under input/<subfolder>/ on the server.
	Subfolder string
	// Overwrite replaces an existing asset of the same name.
	Overwrite bool
}

// UploadAsset stores data as an input asset on the server and returns the
// server-side name to reference it by in workflow inputs.
func (s *Session) UploadAsset(ctx context.Context, data []byte, filename string, opts UploadOptions) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("session: building upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("session: writing upload payload: %w", err)
	}
	if opts.Subfolder != "" {
		if err := w.WriteField("subfolder", opts.Subfolder); err != nil {
			return "", fmt.Errorf("session: writing upload field: %w", err)
		}
	}
	if opts.Overwrite {
		if err := w.WriteField("overwrite", "true"); err != nil {
			return "", fmt.Errorf("session: writing upload field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("session: finalizing upload form: %w", err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, "/upload/image", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("session: decoding upload response: %w", err)
	}
	if result.Name == "" {
		return "", fmt.Errorf("session: upload response missing asset name")
	}
	name := result.Name
	if result.Subfolder != "" {
		name = result.Subfolder + "/" + name
	}
	log.Debug(log.CatSession, "Asset uploaded", "url", s.URL(), "name", name, "bytes", len(data))
	return name, nil
}
