package dbnet

import (
	"context"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

//go:embed monitor.html
var monitorHTML []byte

// MonitorPacket describes one decrypted inner frame sent to or received from
// the controller.
type MonitorPacket struct {
	In   bool
	Desc string
	Data []byte
}

// Monitor writes decrypted sent/received frames to ch until ctx is
// cancelled, discarding them if ch doesn't have room. ch is closed on
// return.
func (c *Client) Monitor(ctx context.Context, ch chan<- MonitorPacket) {
	c.cmu.Lock()
	c.mon[ch] = struct{}{}
	c.cmu.Unlock()

	<-ctx.Done()

	c.cmu.Lock()
	delete(c.mon, ch)
	c.cmu.Unlock()

	close(ch)
}

func (c *Client) monitorSend(in bool, desc string, data []byte) {
	c.cmu.Lock()
	for ch := range c.mon {
		select {
		case ch <- MonitorPacket{In: in, Desc: desc, Data: data}:
		default:
		}
	}
	c.cmu.Unlock()
}

// DebugMonitorHandler returns a HTTP handler which serves a webpage to
// monitor the client's decrypted frames in real-time.
func DebugMonitorHandler(c *Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Expires", "0")
		w.Header().Set("Pragma", "no-cache")

		if r.URL.RawQuery != "sse" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Content-Length", strconv.Itoa(len(monitorHTML)))
			w.WriteHeader(http.StatusOK)
			w.Write(monitorHTML)
			return
		}

		f, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "cannot stream events", http.StatusInternalServerError)
			return
		}

		ch := make(chan MonitorPacket, 16)
		go c.Monitor(r.Context(), ch)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		io.WriteString(w, "event: init\ndata: ")
		if addr := c.LocalAddr(); addr != nil {
			io.WriteString(w, addr.String())
		}
		io.WriteString(w, "\n\n")
		f.Flush()

		e := json.NewEncoder(w)
		for p := range ch {
			io.WriteString(w, "event: packet\ndata: ")
			e.Encode(map[string]any{
				"in":   p.In,
				"desc": p.Desc,
				"data": hex.Dump(p.Data),
			})
			io.WriteString(w, "\n")
			f.Flush()
		}
	})
}
