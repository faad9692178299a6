// Command ws_check checks a running querygate daemon over its WebSocket
// JSON-RPC endpoint and prints a PASS/FAIL verdict.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type step struct {
	req     rpcRequest
	wantErr int // 0 expects a result
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token from auth.token")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	_, unauthResp, unauthErr := websocket.Dial(ctx, *url, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	session := map[string]any{"user_id": "ws-check", "session_id": uuid.NewString()}
	withOp := map[string]any{"operation_id": "ws-check-missing"}
	for k, v := range session {
		withOp[k] = v
	}

	steps := []step{
		{req: rpcRequest{JSONRPC: "2.0", ID: 0, Method: "session.open", Params: session}, wantErr: -32600},
		{req: rpcRequest{JSONRPC: "2.0", ID: 1, Method: "system.hello", Params: map[string]any{"version": "1.0"}}},
		{req: rpcRequest{JSONRPC: "2.0", ID: 2, Method: "session.open", Params: session}},
		{req: rpcRequest{JSONRPC: "2.0", ID: 3, Method: "query.list", Params: session}},
		{req: rpcRequest{JSONRPC: "2.0", ID: 4, Method: "execution.reattach", Params: withOp}, wantErr: 4040},
		{req: rpcRequest{JSONRPC: "2.0", ID: 5, Method: "session.close", Params: session}},
	}

	for _, s := range steps {
		fmt.Printf(">> %s\n", mustJSON(s.req))
		if err := wsjson.Write(ctx, conn, s.req); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		var resp map[string]any
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(resp))
		if s.wantErr != 0 {
			if !hasErrorCode(resp, s.wantErr) {
				fmt.Fprintf(os.Stderr, "%s: expected error code %d\n", s.req.Method, s.wantErr)
				os.Exit(1)
			}
			continue
		}
		if hasAnyError(resp) {
			fmt.Fprintf(os.Stderr, "%s: expected success\n", s.req.Method)
			os.Exit(1)
		}
	}

	fmt.Println("VERDICT PASS")
}

func hasAnyError(resp map[string]any) bool {
	errVal, ok := resp["error"]
	return ok && errVal != nil
}

func hasErrorCode(resp map[string]any, want int) bool {
	errMap, ok := resp["error"].(map[string]any)
	if !ok {
		return false
	}
	code, ok := errMap["code"].(float64)
	if !ok {
		return false
	}
	return int(code) == want
}
