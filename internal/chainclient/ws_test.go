package chainclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSubscribeHeadBlocksDeliversDecodedBlockNumbers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()

		var sub wsSubscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			t.Error(err)
			return
		}
		if sub.Method != "eth_subscribe" {
			t.Errorf("method = %s, want eth_subscribe", sub.Method)
		}

		notification := map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params": map[string]interface{}{
				"result": map[string]interface{}{"number": "0x1b4"},
			},
		}
		if err := conn.WriteJSON(notification); err != nil {
			t.Error(err)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub, err := SubscribeHeadBlocks(t.Context(), wsURL)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	select {
	case n := <-sub.Blocks:
		if n != 0x1b4 {
			t.Errorf("block number = %d, want %d", n, 0x1b4)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for head block notification")
	}
}
