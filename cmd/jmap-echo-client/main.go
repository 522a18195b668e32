// Command jmap-echo-client drives one connection.Connection against a real
// JMAP server's Core/echo method, for manual end-to-end testing of the
// batching/dispatch pipeline outside of a host application's run loop.
//
// Grounded on the teacher's cmd/core-echo, whose handler shape (a typed
// request/response pair invoked as a Lambda function) this command reuses
// for parity with the teacher's cmd/ layout; here the handler drives a
// Connection as a client instead of answering Core/echo as a server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jmap-go/connection-core/internal/connection"
	"github.com/jmap-go/connection-core/internal/registry"
	"github.com/jmap-go/connection-core/internal/session"
	"github.com/jmap-go/connection-core/pkg/jmapwire"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// EchoRequest is this command's Lambda-style invocation input.
type EchoRequest struct {
	SessionURL  string         `json:"sessionUrl"`
	AccessToken string         `json:"accessToken"`
	Arguments   map[string]any `json:"arguments"`
}

// EchoResponse is this command's Lambda-style invocation output: the
// Core/echo method response's arguments, echoed back by the server
// unchanged per RFC 8620 §3.5.
type EchoResponse struct {
	Arguments map[string]any `json:"arguments"`
	Error     string         `json:"error,omitempty"`
}

// sessionAuth adapts a *session.Manager into connection.Auth. It is kept
// here rather than in the session package because it bakes in an opinion
// session.Manager deliberately avoids: retrying is always allowed, and a
// lost authentication is merely logged, not acted on. A host application
// with real re-auth/backoff policy should write its own adapter instead of
// reusing this one.
type sessionAuth struct {
	manager     *session.Manager
	accessToken string
}

func (a *sessionAuth) WillSend(ctx context.Context) bool { return true }
func (a *sessionAuth) Succeeded(ctx context.Context)     {}
func (a *sessionAuth) Failed(ctx context.Context, retryAfter time.Duration) {
	logger.WarnContext(ctx, "request failed", slog.Duration("retry_after", retryAfter))
}
func (a *sessionAuth) DidLoseAuthentication(ctx context.Context) {
	logger.ErrorContext(ctx, "lost authentication")
}
func (a *sessionAuth) FetchSession(ctx context.Context) error {
	return a.manager.Refresh(ctx)
}
func (a *sessionAuth) AccessToken() string               { return a.accessToken }
func (a *sessionAuth) APIURL() string                     { return a.manager.APIURL() }
func (a *sessionAuth) Capabilities() map[string]any       { return a.manager.Capabilities() }
func (a *sessionAuth) SessionState() string               { return a.manager.SessionState() }
func (a *sessionAuth) Accounts() []string                 { return a.manager.Accounts() }
func (a *sessionAuth) PrimaryAccounts() map[string]string { return a.manager.PrimaryAccounts() }

func handler(ctx context.Context, request EchoRequest) (EchoResponse, error) {
	fetcher := &session.HTTPFetcher{
		URL:         request.SessionURL,
		HTTP:        http.DefaultClient,
		AccessToken: request.AccessToken,
	}
	manager := session.NewManager(fetcher)
	if err := manager.Refresh(ctx); err != nil {
		return EchoResponse{Error: err.Error()}, nil
	}

	auth := &sessionAuth{manager: manager, accessToken: request.AccessToken}
	conn := connection.NewConnection("core", registry.New(), auth, http.DefaultClient, connection.Config{})
	conn.Logger = logger

	result := make(chan EchoResponse, 1)
	conn.Call("Core/echo", request.Arguments, func(resp jmapwire.MethodResponse, requestName string, requestArgs map[string]any) {
		if resp.IsError() {
			result <- EchoResponse{Error: resp.ErrorType()}
			return
		}
		result <- EchoResponse{Arguments: resp.Arguments}
	})

	if err := conn.Send(ctx); err != nil {
		return EchoResponse{Error: err.Error()}, nil
	}

	select {
	case resp := <-result:
		return resp, nil
	default:
		return EchoResponse{Error: "Core/echo response was not dispatched"}, nil
	}
}

func main() {
	local := flag.Bool("local", false, "run once against -session/-token/-args instead of starting a Lambda handler")
	sessionURL := flag.String("session", "", "JMAP session endpoint URL")
	accessToken := flag.String("token", "", "bearer token for the session endpoint and JMAP API")
	args := flag.String("args", "{}", "JSON object to send as Core/echo's arguments")
	flag.Parse()

	if !*local {
		lambda.Start(handler)
		return
	}

	var arguments map[string]any
	if err := json.Unmarshal([]byte(*args), &arguments); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -args JSON: %v\n", err)
		os.Exit(1)
	}

	resp, err := handler(context.Background(), EchoRequest{
		SessionURL:  *sessionURL,
		AccessToken: *accessToken,
		Arguments:   arguments,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
}
