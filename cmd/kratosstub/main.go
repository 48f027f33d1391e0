// kratosstub is a local stand-in for the Ory Kratos self-service API. It
// implements just the endpoints the iam kratos client calls: the API login
// flow, whoami, and logout, plus an admin endpoint to create identities.
// Dev only; passwords are held in memory in plain text.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type identity struct {
	ID       string
	Email    string
	Name     string
	Password string
}

type store struct {
	mu       sync.Mutex
	byEmail  map[string]identity
	byID     map[string]identity
	sessions map[string]string // session_token -> identity id
}

func newStore() *store {
	return &store{
		byEmail:  map[string]identity{},
		byID:     map[string]identity{},
		sessions: map[string]string{},
	}
}

func (s *store) create(email string, name string, password string) (identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return identity{}, false
	}
	ident := identity{ID: identityUUID(email), Email: email, Name: name, Password: password}
	s.byEmail[email] = ident
	s.byID[ident.ID] = ident
	return ident, true
}

func main() {
	publicAddr := getenvDefault("KRATOS_STUB_PUBLIC_ADDR", "127.0.0.1:4433")
	adminAddr := getenvDefault("KRATOS_STUB_ADMIN_ADDR", "127.0.0.1:4434")

	s := newStore()
	seedFromEnv(s)

	publicSrv := &http.Server{
		Addr:              publicAddr,
		Handler:           publicMux(s),
		ReadHeaderTimeout: 5 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              adminAddr,
		Handler:           adminMux(s),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- listenAndServe(publicSrv) }()
	go func() { errCh <- listenAndServe(adminSrv) }()
	log.Printf("kratosstub: public on %s, admin on %s", publicAddr, adminAddr)

	if err := <-errCh; err != nil {
		log.Printf("kratosstub: server error: %v", err)
	}
	_ = publicSrv.Shutdown(context.Background())
	_ = adminSrv.Shutdown(context.Background())
}

// seedFromEnv pre-registers accounts from KRATOS_STUB_SEED, a comma
// separated list of email:password pairs.
func seedFromEnv(s *store) {
	raw := strings.TrimSpace(os.Getenv("KRATOS_STUB_SEED"))
	if raw == "" {
		return
	}
	for _, pair := range strings.Split(raw, ",") {
		email, password, ok := strings.Cut(strings.TrimSpace(pair), ":")
		email = strings.ToLower(strings.TrimSpace(email))
		if !ok || email == "" || password == "" {
			log.Printf("kratosstub: skipping malformed seed entry %q", pair)
			continue
		}
		if _, created := s.create(email, "", password); created {
			log.Printf("kratosstub: seeded %s", email)
		}
	}
}

func publicMux(s *store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	mux.HandleFunc("/self-service/login/api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": newToken()})
	})

	mux.HandleFunc("/self-service/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Query().Get("flow") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			Method     string `json:"method"`
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		email := strings.ToLower(strings.TrimSpace(req.Identifier))
		if req.Method != "password" || email == "" || req.Password == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		ident, ok := s.byEmail[email]
		if !ok || ident.Password != req.Password {
			s.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		token := newToken()
		s.sessions[token] = ident.ID
		s.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]any{"session_token": token})
	})

	mux.HandleFunc("/sessions/whoami", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-Session-Token"))
		if token == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		s.mu.Lock()
		identityID, ok := s.sessions[token]
		var ident identity
		if ok {
			ident, ok = s.byID[identityID]
		}
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"identity": identityJSON(ident),
		})
	})

	mux.HandleFunc("/self-service/logout/api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			SessionToken string `json:"session_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionToken == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		_, ok := s.sessions[req.SessionToken]
		delete(s.sessions, req.SessionToken)
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func adminMux(s *store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	mux.HandleFunc("/admin/identities", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			SchemaID string `json:"schema_id"`
			Traits   struct {
				Email string `json:"email"`
				Name  string `json:"name"`
			} `json:"traits"`
			Credentials struct {
				Password struct {
					Config struct {
						Password string `json:"password"`
					} `json:"config"`
				} `json:"password"`
			} `json:"credentials"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		email := strings.ToLower(strings.TrimSpace(req.Traits.Email))
		password := req.Credentials.Password.Config.Password
		if req.SchemaID == "" || email == "" || password == "" || strings.ContainsAny(email, " \t\r\n") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		ident, created := s.create(email, strings.TrimSpace(req.Traits.Name), password)
		if !created {
			w.WriteHeader(http.StatusConflict)
			return
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(identityJSON(ident))
	})

	return mux
}

func identityJSON(ident identity) map[string]any {
	return map[string]any{
		"id": ident.ID,
		"traits": map[string]any{
			"email": ident.Email,
			"name":  ident.Name,
		},
	}
}

func listenAndServe(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newToken() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// identityUUID derives a stable v5-style uuid from the email so repeated
// stub restarts hand the same id to the same account.
func identityUUID(email string) string {
	sum := sha256.Sum256([]byte("kratosstub:" + email))
	var b [16]byte
	copy(b[:], sum[:16])
	b[6] = (b[6] & 0x0f) | 0x50
	b[8] = (b[8] & 0x3f) | 0x80

	hex := "0123456789abcdef"
	out := make([]byte, 36)
	j := 0
	for i, v := range b {
		if i == 4 || i == 6 || i == 8 || i == 10 {
			out[j] = '-'
			j++
		}
		out[j] = hex[v>>4]
		out[j+1] = hex[v&0x0f]
		j += 2
	}
	return string(out)
}

func getenvDefault(k string, def string) string {
	if v := os.Getenv(k); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
