package credential

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"fingerauth/internal/enroll"
	"fingerauth/internal/scan/scantest"
)

type account struct {
	password string
	blob     []byte
}

type fakeService struct {
	mu       sync.Mutex
	accounts map[string]account
	loggedIn map[string]bool
}

func startService(t *testing.T) (*fakeService, string) {
	t.Helper()
	svc := &fakeService{accounts: map[string]account{}, loggedIn: map[string]bool{}}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Post("/signup", func(c *fiber.Ctx) error {
		var p signupPayload
		if err := c.BodyParser(&p); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		svc.mu.Lock()
		defer svc.mu.Unlock()
		if _, ok := svc.accounts[p.Username]; ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Duplicate entry"})
		}
		svc.accounts[p.Username] = account{password: p.Password, blob: p.TemplateBlob}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "created"})
	})
	app.Post("/signin", func(c *fiber.Ctx) error {
		var p signinRequest
		if err := c.BodyParser(&p); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		svc.mu.Lock()
		defer svc.mu.Unlock()
		acc, ok := svc.accounts[p.Username]
		if !ok || acc.password != p.Password {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "User not found"})
		}
		token := "tok-" + p.Username
		svc.loggedIn[token] = true
		return c.JSON(signinResponse{Token: token, Template: acc.blob})
	})
	app.Post("/logout", func(c *fiber.Ctx) error {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		token := c.Get(fiber.HeaderAuthorization)
		if len(token) < 7 || !svc.loggedIn[token[7:]] {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "no session"})
		}
		delete(svc.loggedIn, token[7:])
		return c.JSON(fiber.Map{"message": "Logout successful"})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return svc, "http://" + ln.Addr().String()
}

func newClient(t *testing.T, url string) (*Client, string) {
	tokenFile := filepath.Join(t.TempDir(), "auth", "token")
	return NewClient(url+"/", 5*time.Second, tokenFile, slog.New(slog.NewTextHandler(io.Discard, nil))), tokenFile
}

func testTemplate() *enroll.Template {
	return &enroll.Template{
		ID:        "tpl-1",
		Subject:   "pilot",
		Inliers:   37,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Samples:   []enroll.Sample{{Grid: scantest.Texture(1)}, {Grid: scantest.Texture(1)}},
	}
}

func signupRequest() SignupRequest {
	return SignupRequest{
		Username: "pilot",
		Password: "secret-pass",
		DroneID:  "D-7",
		PilotID:  "P-42",
		Address:  "hangar 3",
		Template: testTemplate(),
	}
}

func TestSignupSigninLogout(t *testing.T) {
	svc, url := startService(t)
	c, tokenFile := newClient(t, url)

	if err := c.Signup(signupRequest()); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	sess, err := c.Signin("pilot", "secret-pass")
	if err != nil {
		t.Fatalf("Signin: %v", err)
	}
	if sess.Token != "tok-pilot" {
		t.Fatalf("token = %q", sess.Token)
	}
	if sess.Template == nil || sess.Template.ID != "tpl-1" || len(sess.Template.Samples) != 2 {
		t.Fatalf("template not returned intact: %+v", sess.Template)
	}
	if tok, err := LoadToken(tokenFile); err != nil || tok != "tok-pilot" {
		t.Fatalf("stored token = %q, %v", tok, err)
	}

	if err := c.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	svc.mu.Lock()
	active := len(svc.loggedIn)
	svc.mu.Unlock()
	if active != 0 {
		t.Fatalf("session still active on service")
	}
	if _, err := LoadToken(tokenFile); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("token file not cleared: %v", err)
	}
	if err := c.Logout(); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("second logout = %v, want ErrNotSignedIn", err)
	}
}

func TestSignupDuplicate(t *testing.T) {
	_, url := startService(t)
	c, _ := newClient(t, url)
	if err := c.Signup(signupRequest()); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if err := c.Signup(signupRequest()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestSigninUnknownUser(t *testing.T) {
	_, url := startService(t)
	c, tokenFile := newClient(t, url)
	if _, err := c.Signin("ghost", "whatever"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("err = %v, want ErrUnknownUser", err)
	}
	if _, err := LoadToken(tokenFile); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("token written after failed signin")
	}
}

func TestSignupValidation(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	cases := map[string]func(*SignupRequest){
		"no username": func(r *SignupRequest) { r.Username = "" },
		"short pass":  func(r *SignupRequest) { r.Password = "abc" },
		"no drone":    func(r *SignupRequest) { r.DroneID = "" },
		"no template": func(r *SignupRequest) { r.Template = nil },
		"no pilot id": func(r *SignupRequest) { r.PilotID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := signupRequest()
			mutate(&req)
			if err := c.Signup(req); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestServiceUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient("http://"+addr, time.Second, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := c.Signin("pilot", "secret-pass"); err == nil {
		t.Fatalf("expected connection error")
	}
}
