// Command oauth-catcher runs the one-time OAuth authorization flow: it
// prints the Strava consent URL, catches the redirect on localhost and
// writes the authorization code into .env for the importer to exchange.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
	"github.com/ripixel/strava-bulk-importer/pkg/bootstrap"
)

const (
	listenAddr  = "localhost:53682"
	redirectURI = "http://localhost:53682/callback"
	envFile     = ".env"
)

func main() {
	logger := bootstrap.InitLogger("oauth-catcher")

	_ = godotenv.Load()
	clientID := os.Getenv("STRAVA_CLIENT_ID")
	if clientID == "" {
		logger.Error("STRAVA_CLIENT_ID must be set")
		os.Exit(2)
	}

	conf := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      []string{"activity:read", "activity:write"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   shared.StravaAuthURL,
			TokenURL:  shared.StravaTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	authURL := conf.AuthCodeURL("", oauth2.SetAuthURLParam("approval_prompt", "force"))

	fmt.Println("Open this URL in your browser and authorize the application:")
	fmt.Println()
	fmt.Println("  " + authURL)
	fmt.Println()
	fmt.Println("Waiting for the redirect on " + redirectURI + " ...")

	caught := make(chan error, 1)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "Authorization denied: "+errCode, http.StatusBadRequest)
			caught <- fmt.Errorf("authorization denied: %s", errCode)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "Missing code parameter", http.StatusBadRequest)
			return
		}

		if err := saveAuthCode(code); err != nil {
			http.Error(w, "Could not save the authorization code", http.StatusInternalServerError)
			caught <- err
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h2>Authorization complete</h2><p>You can close this window and run the importer.</p></body></html>")
		caught <- nil
	})

	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			caught <- fmt.Errorf("listen on %s: %w", listenAddr, err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case runErr = <-caught:
	case <-ctx.Done():
		runErr = fmt.Errorf("interrupted before the redirect arrived")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if runErr != nil {
		logger.Error("OAuth flow failed", "error", runErr)
		os.Exit(1)
	}
	logger.Info("Authorization code saved", "file", envFile)
	fmt.Println("Authorization code saved to " + envFile + ". Run strava-importer to start uploading.")
}

// saveAuthCode writes AUTH_CODE into .env, preserving the other entries.
func saveAuthCode(code string) error {
	env, err := godotenv.Read(envFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", envFile, err)
		}
		env = map[string]string{}
	}
	env["AUTH_CODE"] = code
	if err := godotenv.Write(env, envFile); err != nil {
		return fmt.Errorf("write %s: %w", envFile, err)
	}
	return nil
}
