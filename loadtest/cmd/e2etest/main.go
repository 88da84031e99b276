// Package main implements a standalone end-to-end integration test for the
// Parley chat server. It validates the full user journey against a running
// stack: health checks, room join notices, persist-then-broadcast fan-out,
// typing relay, unknown-user rejection, signaling relay, and the read-only
// HTTP endpoints.
//
// The users e2e-alice and e2e-bob must exist in the users table:
//
//	INSERT INTO users (username) VALUES ('e2e-alice'), ('e2e-bob');
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/parley/chat-server/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func pass(name, detail string) scenarioResult {
	return scenarioResult{name: name, kind: resultPass, detail: detail}
}

func fail(name, detail string) scenarioResult {
	return scenarioResult{name: name, kind: resultFail, detail: detail}
}

func info(name, detail string) scenarioResult {
	return scenarioResult{name: name, kind: resultInfo, detail: detail}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsBase := flag.String("url", "ws://localhost:8080", "WebSocket server base URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Parley E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsBase)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Unique room per run so prior history does not leak into assertions.
	room := fmt.Sprintf("e2e-%d", time.Now().UnixNano())

	var results []scenarioResult

	results = append(results, scenarioHealthCheck(ctx, *apiBase))
	results = append(results, scenarioChatGroup(ctx, *wsBase, room)...)
	results = append(results, scenarioUnknownUser(ctx, *wsBase, room))
	results = append(results, scenarioOversizedMessage(ctx, *wsBase, room))
	results = append(results, scenarioHistory(ctx, *apiBase, room))
	results = append(results, scenarioPresence(ctx, *apiBase, room))
	results = append(results, scenarioSignaling(ctx, *wsBase)...)

	// Summary.
	fmt.Println("\n=== Summary ===")
	failed := 0
	for _, r := range results {
		fmt.Printf("[%s] %-32s %s\n", r.tag(), r.name, r.detail)
		if r.kind == resultFail {
			failed++
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d scenario(s) failed.\n", failed)
		os.Exit(1)
	}
	fmt.Println("\nAll required scenarios passed.")
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// scenarioHealthCheck verifies the /health endpoint responds with status ok.
func scenarioHealthCheck(ctx context.Context, apiBase string) scenarioResult {
	const name = "health check"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", nil)
	if err != nil {
		return fail(name, err.Error())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail(name, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(name, fmt.Sprintf("status %d", resp.StatusCode))
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		return fail(name, "unexpected body: "+string(body))
	}
	return pass(name, "server healthy")
}

// scenarioChatGroup covers the core room flow with two clients: join notice,
// message fan-out to every member including the sender, and typing relay
// excluding the sender.
func scenarioChatGroup(ctx context.Context, wsBase, room string) []scenarioResult {
	var results []scenarioResult

	alice, err := client.New(ctx, wsBase, room, "e2e-alice")
	if err != nil {
		return []scenarioResult{fail("room connect", "alice: "+err.Error())}
	}
	defer alice.Close()

	aliceJoins := make(chan string, 4)
	alice.On(client.TypeUserJoined, func(raw json.RawMessage) {
		var m struct {
			Username string `json:"username"`
		}
		if json.Unmarshal(raw, &m) == nil {
			aliceJoins <- m.Username
		}
	})

	bob, err := client.New(ctx, wsBase, room, "e2e-bob")
	if err != nil {
		return []scenarioResult{fail("room connect", "bob: "+err.Error())}
	}
	defer bob.Close()
	results = append(results, pass("room connect", "two clients in "+room))

	// --- join notice ---
	select {
	case who := <-aliceJoins:
		if who == "e2e-bob" {
			results = append(results, pass("join notice", "alice saw bob join"))
		} else {
			results = append(results, fail("join notice", "unexpected joiner "+who))
		}
	case <-time.After(5 * time.Second):
		results = append(results, fail("join notice", "no user_joined within 5s"))
	}

	// --- message fan-out (sender included) ---
	aliceMsgs := make(chan string, 4)
	bobMsgs := make(chan string, 4)
	chatHandler := func(out chan string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var m struct {
				Message  string `json:"message"`
				Username string `json:"username"`
			}
			if json.Unmarshal(raw, &m) == nil {
				out <- m.Username + ":" + m.Message
			}
		}
	}
	alice.On(client.TypeChatMessage, chatHandler(aliceMsgs))
	bob.On(client.TypeChatMessage, chatHandler(bobMsgs))

	if err := alice.SendChat("hello from alice"); err != nil {
		results = append(results, fail("message fan-out", "send: "+err.Error()))
		return results
	}

	want := "e2e-alice:hello from alice"
	okEcho := awaitString(aliceMsgs, want, 5*time.Second)
	okPeer := awaitString(bobMsgs, want, 5*time.Second)
	switch {
	case okEcho && okPeer:
		results = append(results, pass("message fan-out", "delivered to sender and peer"))
	case okPeer:
		results = append(results, fail("message fan-out", "sender echo missing"))
	default:
		results = append(results, fail("message fan-out", "peer delivery missing"))
	}

	// --- typing relay excludes sender ---
	aliceTyping := make(chan struct{}, 1)
	bobTyping := make(chan struct{}, 1)
	alice.On(client.TypeTypingStarted, func(json.RawMessage) { aliceTyping <- struct{}{} })
	bob.On(client.TypeTypingStarted, func(json.RawMessage) { bobTyping <- struct{}{} })

	if err := alice.Send(map[string]string{"type": client.TypeTypingStarted, "username": "e2e-alice"}); err != nil {
		results = append(results, fail("typing relay", "send: "+err.Error()))
		return results
	}

	select {
	case <-bobTyping:
		select {
		case <-aliceTyping:
			results = append(results, fail("typing relay", "sender received own typing event"))
		case <-time.After(1 * time.Second):
			results = append(results, pass("typing relay", "peer notified, sender excluded"))
		}
	case <-time.After(5 * time.Second):
		results = append(results, fail("typing relay", "no typing_started within 5s"))
	}

	return results
}

// scenarioUnknownUser verifies a sender the identity store does not know gets
// exactly one error frame and nothing is broadcast to the room.
func scenarioUnknownUser(ctx context.Context, wsBase, room string) scenarioResult {
	const name = "unknown user rejected"

	ghost, err := client.New(ctx, wsBase, room, fmt.Sprintf("e2e-ghost-%d", time.Now().UnixNano()))
	if err != nil {
		return fail(name, err.Error())
	}
	defer ghost.Close()

	errFrames := make(chan string, 4)
	ghostMsgs := make(chan struct{}, 4)
	ghost.On(client.TypeError, func(raw json.RawMessage) {
		var m struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &m)
		errFrames <- m.Error
	})
	ghost.On(client.TypeChatMessage, func(json.RawMessage) { ghostMsgs <- struct{}{} })

	if err := ghost.SendChat("should be dropped"); err != nil {
		return fail(name, "send: "+err.Error())
	}

	select {
	case detail := <-errFrames:
		select {
		case <-ghostMsgs:
			return fail(name, "message was broadcast despite unknown user")
		case <-time.After(1 * time.Second):
			return pass(name, detail)
		}
	case <-time.After(5 * time.Second):
		return fail(name, "no error frame within 5s")
	}
}

// scenarioOversizedMessage verifies content validation answers with an error
// frame without dropping the connection.
func scenarioOversizedMessage(ctx context.Context, wsBase, room string) scenarioResult {
	const name = "oversized message rejected"

	c, err := client.New(ctx, wsBase, room, "e2e-alice")
	if err != nil {
		return fail(name, err.Error())
	}
	defer c.Close()

	errFrames := make(chan string, 4)
	c.On(client.TypeError, func(raw json.RawMessage) {
		var m struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &m)
		errFrames <- m.Error
	})

	if err := c.SendChat(strings.Repeat("x", 5000)); err != nil {
		return fail(name, "send: "+err.Error())
	}

	select {
	case detail := <-errFrames:
		// Connection must survive the rejection.
		if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
			return fail(name, "connection died after rejection")
		}
		return pass(name, detail)
	case <-time.After(5 * time.Second):
		return fail(name, "no error frame within 5s")
	}
}

// scenarioHistory verifies persisted messages are readable through the rooms
// endpoint in timestamp order.
func scenarioHistory(ctx context.Context, apiBase, room string) scenarioResult {
	const name = "history endpoint"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/rooms/%s/messages?limit=50", apiBase, room), nil)
	if err != nil {
		return fail(name, err.Error())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail(name, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(name, fmt.Sprintf("status %d", resp.StatusCode))
	}

	var msgs []struct {
		Username string `json:"username"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return fail(name, "decode: "+err.Error())
	}

	for _, m := range msgs {
		if m.Username == "e2e-alice" && m.Content == "hello from alice" {
			return pass(name, fmt.Sprintf("%d rows, sent message persisted", len(msgs)))
		}
	}
	return fail(name, fmt.Sprintf("sent message not found in %d rows", len(msgs)))
}

// scenarioPresence checks the members endpoint. Presence is Redis-backed and
// entries expire, so the exact population depends on timing; this scenario is
// informational when it cannot assert.
func scenarioPresence(ctx context.Context, apiBase, room string) scenarioResult {
	const name = "presence endpoint"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/rooms/%s/members", apiBase, room), nil)
	if err != nil {
		return info(name, err.Error())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return info(name, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return info(name, fmt.Sprintf("status %d", resp.StatusCode))
	}
	var members []string
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return info(name, "decode: "+err.Error())
	}
	return pass(name, fmt.Sprintf("%d member(s) listed", len(members)))
}

// scenarioSignaling verifies the pairwise relay: both parties land in the
// same pair room regardless of dial order, payloads are relayed verbatim to
// the counterparty only, and a third connection toward the pair is rejected.
func scenarioSignaling(ctx context.Context, wsBase string) []scenarioResult {
	var results []scenarioResult

	// Unique usernames per run keep the pair room empty.
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	userA := "e2e-caller-" + suffix
	userB := "e2e-callee-" + suffix

	a, err := client.Dial(ctx, client.CallURL(wsBase, userB, userA))
	if err != nil {
		return []scenarioResult{fail("signaling connect", "caller: "+err.Error())}
	}
	defer a.Close()

	// Callee dials with operands reversed; the pair key must be the same.
	b, err := client.Dial(ctx, client.CallURL(wsBase, userA, userB))
	if err != nil {
		return []scenarioResult{fail("signaling connect", "callee: "+err.Error())}
	}
	defer b.Close()
	results = append(results, pass("signaling connect", "both parties connected"))

	// --- verbatim relay, sender excluded ---
	aFrames := make(chan string, 4)
	bFrames := make(chan string, 4)
	a.On("offer", func(raw json.RawMessage) { aFrames <- string(raw) })
	b.On("offer", func(raw json.RawMessage) { bFrames <- string(raw) })

	offer := map[string]string{"type": "offer", "sdp": "v=0 e2e-sdp-blob"}
	if err := a.Send(offer); err != nil {
		results = append(results, fail("signaling relay", "send: "+err.Error()))
		return results
	}

	select {
	case frame := <-bFrames:
		if !strings.Contains(frame, "e2e-sdp-blob") {
			results = append(results, fail("signaling relay", "payload altered: "+frame))
			break
		}
		select {
		case <-aFrames:
			results = append(results, fail("signaling relay", "offer echoed to sender"))
		case <-time.After(1 * time.Second):
			results = append(results, pass("signaling relay", "verbatim, sender excluded"))
		}
	case <-time.After(5 * time.Second):
		results = append(results, fail("signaling relay", "no offer within 5s"))
	}

	// --- third joiner rejected ---
	// Reusing the caller's identity targets the same pair room, which already
	// holds two members.
	third, err := client.Dial(ctx, client.CallURL(wsBase, userB, userA))
	if err != nil {
		// Dial-level rejection also counts.
		results = append(results, pass("signaling room full", "third connection refused"))
		return results
	}
	defer third.Close()

	thirdErr := make(chan string, 1)
	third.On(client.TypeError, func(raw json.RawMessage) {
		var m struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &m)
		thirdErr <- m.Error
	})

	select {
	case detail := <-thirdErr:
		results = append(results, pass("signaling room full", detail))
	case <-time.After(5 * time.Second):
		results = append(results, fail("signaling room full", "no rejection within 5s"))
	}

	return results
}

// awaitString waits for want on ch, discarding other values, until timeout.
func awaitString(ch chan string, want string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case got := <-ch:
			if got == want {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
