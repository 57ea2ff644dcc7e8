/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Seednode/wikirace/internal/errclass"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// logger adapts logf for the internal packages.
func (c *Config) logger() func(format string, args ...any) {
	return func(format string, args ...any) {
		logf(c, format, args...)
	}
}

// drainErrors logs handler write errors until errs is closed.
func drainErrors(cfg *Config, errs <-chan error) {
	for err := range errs {
		logf(cfg, "ERROR: %v", err)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errclass.ErrSessionNotFound),
		errors.Is(err, errclass.ErrParticipantNotFound),
		errors.Is(err, errclass.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, errclass.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, errclass.ErrNotWaiting),
		errors.Is(err, errclass.ErrSameDocument):
		return http.StatusConflict
	case errors.Is(err, errclass.ErrContentUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// userMessage is the text shown to players for err.
func userMessage(err error) string {
	switch {
	case errors.Is(err, errclass.ErrSessionNotFound):
		return "This race does not exist."
	case errors.Is(err, errclass.ErrParticipantNotFound):
		return "Join the race before playing."
	case errors.Is(err, errclass.ErrNotHost):
		return "Only the host can start the race."
	case errors.Is(err, errclass.ErrNotWaiting):
		return "This race has already started."
	case errors.Is(err, errclass.ErrSameDocument):
		return "The start and target articles must differ."
	case errors.Is(err, errclass.ErrDocumentNotFound):
		return "No article matches that name."
	case errors.Is(err, errclass.ErrContentUnavailable):
		return "The encyclopedia could not be reached. Please try again."
	default:
		return "An error has occurred. Please try again."
	}
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<link rel="stylesheet" href="/assets/page.css">`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", html.EscapeString(title)))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", html.EscapeString(body)))

	return htmlBody.String()
}
