package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"kportal/internal/kube"
	"kportal/internal/resourcecache"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const defaultPingInterval = 20 * time.Second

// IndexPayload is the wire form of a resource cache result.
type IndexPayload struct {
	Resource string                               `json:"resource"`
	Items    map[string]*unstructured.Unstructured `json:"items"`
	Error    string                               `json:"error,omitempty"`
	Loading  bool                                 `json:"loading"`
}

// NewIndexPayload converts res. errorText turns a fetch error into the text
// sent to clients; nil sends a generic message.
func NewIndexPayload(key kube.ResourceKey, res resourcecache.Result, errorText func(error) string) IndexPayload {
	p := IndexPayload{Resource: key.String(), Loading: res.Loading}
	if res.Index != nil {
		p.Items = res.Index
	}
	if res.Err != nil {
		if errorText == nil {
			errorText = genericErrorText
		}
		p.Error = errorText(res.Err)
	}
	return p
}

func genericErrorText(error) string { return "request failed" }

// IndexWatch pushes the cached index of one resource type to a websocket
// client whenever it settles. A "revalidate" text message from the client
// forces a refetch; at most one runs per connection.
type IndexWatch struct {
	Cache        *resourcecache.Cache
	Logger       *slog.Logger
	PingInterval time.Duration
	// ErrorText renders fetch errors for the client. Defaults to a generic
	// message so API paths and cluster responses stay server-side.
	ErrorText func(error) string
}

// revalidator runs at most one revalidation at a time. Triggers arriving
// while one is in flight are dropped.
type revalidator struct {
	running atomic.Bool
	run     func()
}

func (v *revalidator) trigger() bool {
	if !v.running.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer v.running.Store(false)
		v.run()
	}()
	return true
}

func (h *IndexWatch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := kube.ParseResourceKey(chi.URLParam(r, "group") + "/" + chi.URLParam(r, "version") + "/" + chi.URLParam(r, "plural"))
	if err != nil {
		http.Error(w, "bad resource", http.StatusBadRequest)
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := h.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := h.Cache.Subscribe(key)
	defer unsubscribe()

	logger.DebugContext(ctx, "index watch opened", "resource", key.String())
	defer logger.DebugContext(ctx, "index watch closed", "resource", key.String())

	reval := &revalidator{run: func() { h.Cache.Revalidate(ctx, key) }}

	// reader: detects close and handles client commands
	go func() {
		defer cancel()
		for {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if typ == websocket.TextMessage && string(msg) == "revalidate" {
				if !reval.trigger() {
					logger.DebugContext(ctx, "revalidate already running", "resource", key.String())
				}
			}
		}
	}()

	// keepalive ping
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second))
			}
		}
	}()

	if err := conn.WriteJSON(NewIndexPayload(key, h.Cache.Peek(key), h.ErrorText)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-updates:
			if err := conn.WriteJSON(NewIndexPayload(key, res, h.ErrorText)); err != nil {
				return
			}
		}
	}
}
