// Package credential talks to the external account service that stores
// operator records alongside their enrolled template.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"fingerauth/internal/enroll"
)

var (
	// ErrDuplicate reports a signup whose username, drone or pilot id is taken.
	ErrDuplicate = errors.New("account already exists")
	// ErrUnknownUser reports a signin with unknown credentials.
	ErrUnknownUser = errors.New("user not found")
	// ErrNotSignedIn is returned by Logout when no token is stored.
	ErrNotSignedIn = errors.New("not signed in")
)

// SignupRequest describes a new account. Template is sent as a base64 CBOR
// blob.
type SignupRequest struct {
	Username string           `json:"username" validate:"required"`
	Password string           `json:"password" validate:"required,min=6"`
	DroneID  string           `json:"droneId" validate:"required"`
	PilotID  string           `json:"pilotId" validate:"required"`
	Address  string           `json:"address"`
	Template *enroll.Template `json:"-" validate:"required"`
}

type signupPayload struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	DroneID      string `json:"droneId"`
	PilotID      string `json:"pilotId"`
	Address      string `json:"address"`
	TemplateBlob []byte `json:"templateBlob"`
}

type signinRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type signinResponse struct {
	Token    string `json:"token"`
	Template []byte `json:"template,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Session is the outcome of a successful signin.
type Session struct {
	Token    string
	Template *enroll.Template
}

// Client calls the credential service.
type Client struct {
	baseURL   string
	timeout   time.Duration
	tokenFile string
	validate  *validator.Validate
	log       *slog.Logger
}

// NewClient builds a client for baseURL. tokenFile may be empty, in which
// case tokens are not persisted.
func NewClient(baseURL string, timeout time.Duration, tokenFile string, log *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   timeout,
		tokenFile: tokenFile,
		validate:  validator.New(),
		log:       log,
	}
}

// Signup registers a new account with its template.
func (c *Client) Signup(req SignupRequest) error {
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid signup: %w", err)
	}
	blob, err := enroll.Marshal(req.Template)
	if err != nil {
		return err
	}
	code, body, err := c.post("/signup", "", signupPayload{
		Username:     req.Username,
		Password:     req.Password,
		DroneID:      req.DroneID,
		PilotID:      req.PilotID,
		Address:      req.Address,
		TemplateBlob: blob,
	}, nil)
	if err != nil {
		return err
	}
	switch code {
	case fiber.StatusCreated, fiber.StatusOK:
		c.log.Info("account created", "username", req.Username, "template", req.Template.ID)
		return nil
	case fiber.StatusBadRequest, fiber.StatusConflict:
		return fmt.Errorf("%w: %s", ErrDuplicate, serviceMessage(body))
	default:
		return unexpected(code, body)
	}
}

// Signin exchanges credentials for a session token, which is persisted to
// the token file when one is configured.
func (c *Client) Signin(username, password string) (*Session, error) {
	req := signinRequest{Username: username, Password: password}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid signin: %w", err)
	}
	var resp signinResponse
	code, body, err := c.post("/signin", "", req, &resp)
	if err != nil {
		return nil, err
	}
	switch code {
	case fiber.StatusOK:
	case fiber.StatusNotFound, fiber.StatusUnauthorized:
		return nil, ErrUnknownUser
	default:
		return nil, unexpected(code, body)
	}
	if resp.Token == "" {
		return nil, errors.New("signin response carried no token")
	}

	sess := &Session{Token: resp.Token}
	if len(resp.Template) > 0 {
		if sess.Template, err = enroll.Unmarshal(resp.Template); err != nil {
			return nil, err
		}
	}
	if err := SaveToken(c.tokenFile, resp.Token); err != nil {
		return nil, err
	}
	c.log.Info("signed in", "username", username)
	return sess, nil
}

// Logout ends the stored session and removes the token file.
func (c *Client) Logout() error {
	token, err := LoadToken(c.tokenFile)
	if err != nil {
		return err
	}
	code, body, err := c.post("/logout", token, struct{}{}, nil)
	if err != nil {
		return err
	}
	if code != fiber.StatusOK && code != fiber.StatusNoContent {
		return unexpected(code, body)
	}
	return ClearToken(c.tokenFile)
}

func (c *Client) post(path, token string, payload, out any) (int, []byte, error) {
	a := fiber.Post(c.baseURL + path).JSON(payload).Timeout(c.timeout)
	if token != "" {
		a.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	var (
		code int
		body []byte
		errs []error
	)
	if out != nil {
		code, body, errs = a.Struct(out)
	} else {
		code, body, errs = a.Bytes()
	}
	// Struct fails to decode error bodies; the status code is still valid.
	if len(errs) > 0 && code == 0 {
		return 0, nil, fmt.Errorf("credential service %s: %w", path, errors.Join(errs...))
	}
	return code, body, nil
}

func serviceMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}

func unexpected(code int, body []byte) error {
	return fmt.Errorf("credential service returned %d: %s", code, serviceMessage(body))
}

// SaveToken writes token to path with owner-only permissions.
func SaveToken(path, token string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token+"\n"), 0o600)
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (string, error) {
	if path == "" {
		return "", ErrNotSignedIn
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotSignedIn
	}
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNotSignedIn
	}
	return token, nil
}

// ClearToken removes the token file. A missing file is not an error.
func ClearToken(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
