package settlement

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/payrail/payrail/internal/withdrawal"
)

// newHandlerApp wires the withdrawal endpoints behind a stub auth middleware
// that injects the given principal.
func newHandlerApp(env *testEnv, userID, role string) *fiber.App {
	handler := NewHandler(env.engine)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", userID)
		c.Locals("role", role)
		return c.Next()
	})
	app.Post("/withdrawals", handler.Create)
	app.Get("/withdrawals/:id", handler.Get)
	app.Post("/withdrawals/:id/decision", handler.Decide)
	app.Post("/withdrawals/:id/cancel", handler.Cancel)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()

	decoded := map[string]any{}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &decoded)
	}
	return resp, decoded
}

func TestHandlerCreateAndGet(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USDT", "100")
	app := newHandlerApp(env, "alice", "user")

	resp, body := doJSON(t, app, fiber.MethodPost, "/withdrawals",
		`{"asset":"USDT","amount":"40","destination":"0xdest","provider":"fakepay"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %v", resp.StatusCode, body)
	}
	if body["state"] != string(withdrawal.StatePending) {
		t.Fatalf("state = %v, want pending", body["state"])
	}
	if body["amount"] != "40" {
		t.Fatalf("amount = %v, want \"40\"", body["amount"])
	}

	id, _ := body["id"].(string)
	resp, body = doJSON(t, app, fiber.MethodGet, "/withdrawals/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if body["id"] != id {
		t.Fatalf("id = %v, want %s", body["id"], id)
	}
}

func TestHandlerCreateRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USDT", "100")
	app := newHandlerApp(env, "alice", "user")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed amount", `{"asset":"USDT","amount":"forty","destination":"0xdest","provider":"fakepay"}`, http.StatusBadRequest},
		{"negative amount", `{"asset":"USDT","amount":"-1","destination":"0xdest","provider":"fakepay"}`, http.StatusBadRequest},
		{"unknown provider", `{"asset":"USDT","amount":"1","destination":"0xdest","provider":"ghost"}`, http.StatusBadRequest},
		{"insufficient funds", `{"asset":"USDT","amount":"1000","destination":"0xdest","provider":"fakepay"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doJSON(t, app, fiber.MethodPost, "/withdrawals", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHandlerGetHidesForeignWithdrawals(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USDT", "100")
	rec := env.create(t, "alice", "USDT", "40")

	stranger := newHandlerApp(env, "mallory", "user")
	resp, _ := doJSON(t, stranger, fiber.MethodGet, "/withdrawals/"+rec.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger get status = %d, want 404", resp.StatusCode)
	}

	admin := newHandlerApp(env, "root", "admin")
	resp, _ = doJSON(t, admin, fiber.MethodGet, "/withdrawals/"+rec.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin get status = %d, want 200", resp.StatusCode)
	}
}

func TestHandlerDecisionFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USDT", "100")
	rec := env.create(t, "alice", "USDT", "40")

	admin := newHandlerApp(env, "root", "admin")
	resp, body := doJSON(t, admin, fiber.MethodPost, "/withdrawals/"+rec.ID+"/decision",
		`{"approve":true,"notes":"looks fine"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision status = %d, want 200: %v", resp.StatusCode, body)
	}

	// Approval hands off to a background dispatch; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if env.state(t, rec.ID) == withdrawal.StateConfirming {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want confirming", env.state(t, rec.ID))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second decision races the settled state machine and must conflict.
	resp, _ = doJSON(t, admin, fiber.MethodPost, "/withdrawals/"+rec.ID+"/decision", `{"approve":false}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second decision status = %d, want 409", resp.StatusCode)
	}
}

func TestHandlerCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USDT", "100")
	rec := env.create(t, "alice", "USDT", "40")

	app := newHandlerApp(env, "alice", "user")
	resp, body := doJSON(t, app, fiber.MethodPost, "/withdrawals/"+rec.ID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %v", resp.StatusCode, body)
	}
	if body["state"] != string(withdrawal.StateRejected) {
		t.Fatalf("state = %v, want rejected", body["state"])
	}
	if got := env.balance(t, "alice", "USDT"); got != "100" {
		t.Fatalf("balance = %s, want 100", got)
	}

	// Cancelling again conflicts.
	resp, _ = doJSON(t, app, fiber.MethodPost, "/withdrawals/"+rec.ID+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
}
