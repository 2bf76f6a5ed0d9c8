package rpcclient

import (
	"net/http"
	"net/http/httptest"
	"sync"

	gjson "github.com/goccy/go-json"
)

// NodeError is a JSON-RPC error object returned by a FakeNode handler.
type NodeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type NodeHandler func(params []gjson.RawMessage) (any, *NodeError)

// FakeNode is an httptest JSON-RPC server answering a fixed set of methods.
// Unknown methods get a -32601 error.
type FakeNode struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]NodeHandler
	calls    map[string]int
	params   map[string][][]gjson.RawMessage
}

func NewFakeNode() *FakeNode {
	n := &FakeNode{
		handlers: make(map[string]NodeHandler),
		calls:    make(map[string]int),
		params:   make(map[string][][]gjson.RawMessage),
	}
	n.Server = httptest.NewServer(http.HandlerFunc(n.serve))
	return n
}

func (n *FakeNode) Handle(method string, h NodeHandler) {
	n.mu.Lock()
	n.handlers[method] = h
	n.mu.Unlock()
}

// Result registers a handler that always answers with result.
func (n *FakeNode) Result(method string, result any) {
	n.Handle(method, func([]gjson.RawMessage) (any, *NodeError) { return result, nil })
}

func (n *FakeNode) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// LastParams returns the params of the most recent call to method.
func (n *FakeNode) LastParams(method string) []gjson.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	all := n.params[method]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type nodeRequest struct {
	ID     gjson.RawMessage   `json:"id"`
	Method string             `json:"method"`
	Params []gjson.RawMessage `json:"params"`
}

type nodeResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      gjson.RawMessage `json:"id"`
	Result  any              `json:"result,omitempty"`
	Error   *NodeError       `json:"error,omitempty"`
}

func (n *FakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := gjson.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	n.params[req.Method] = append(n.params[req.Method], req.Params)
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	resp := nodeResponse{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &NodeError{Code: -32601, Message: "Method not found"}
	} else {
		resp.Result, resp.Error = h(req.Params)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = gjson.NewEncoder(w).Encode(resp)
}
