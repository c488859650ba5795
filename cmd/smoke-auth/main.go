package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type envelope struct {
	Success bool            `json:"success"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type smoke struct {
	base   string
	client *http.Client
}

func main() {
	base := envOr("GYMCRM_SMOKE_BASE_URL", "http://localhost:8080")
	username := envOr("GYMCRM_SMOKE_USERNAME", "john_doe")
	password := envOr("GYMCRM_SMOKE_PASSWORD", "password123")

	s := smoke{base: base, client: &http.Client{Timeout: 5 * time.Second}}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	code, env, err := s.call(ctx, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	if code != http.StatusOK {
		log.Fatalf("login: unexpected status %d (%s)", code, msg(env))
	}
	var login struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	if err := json.Unmarshal(env.Data, &login); err != nil || login.Token == "" {
		log.Fatalf("login: no token in response: %v", err)
	}

	code, env, err = s.call(ctx, http.MethodGet, "/v1/users/"+username, login.Token, nil)
	if err != nil {
		log.Fatalf("profile: %v", err)
	}
	if code != http.StatusOK {
		log.Fatalf("profile: unexpected status %d (%s)", code, msg(env))
	}

	code, env, err = s.call(ctx, http.MethodPost, "/v1/auth/logout", login.Token, nil)
	if err != nil {
		log.Fatalf("logout: %v", err)
	}
	if code != http.StatusOK {
		log.Fatalf("logout: unexpected status %d (%s)", code, msg(env))
	}

	code, _, err = s.call(ctx, http.MethodGet, "/v1/users/"+username, login.Token, nil)
	if err != nil {
		log.Fatalf("profile after logout: %v", err)
	}
	if code != http.StatusUnauthorized {
		log.Fatalf("revoked token still accepted: status %d", code)
	}

	fmt.Printf("✅ auth smoke test passed: user=%s expiresIn=%ds\n", username, login.ExpiresIn)
}

func (s smoke) call(ctx context.Context, method, path, token string, body any) (int, envelope, error) {
	var env envelope
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, env, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, bytes.NewReader(payload))
	if err != nil {
		return 0, env, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, env, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, env, fmt.Errorf("decode envelope: %w", err)
	}
	return resp.StatusCode, env, nil
}

func msg(env envelope) string {
	if env.Message == nil {
		return ""
	}
	return *env.Message
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
