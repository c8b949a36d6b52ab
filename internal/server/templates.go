package server

import (
	_ "embed"
	"html/template"
)

//go:embed templates/failure.html
var failurePageTemplateHTML string

var failurePageTemplate = template.Must(template.New("failure").Parse(failurePageTemplateHTML))

// failureMessage is shown for every failed login. The failure class is only
// recorded in logs and metrics.
const failureMessage = "Authentication failed. Please try signing in again."

// FailurePageData represents the data for the login failure page. It never
// carries provider error text, failure codes or token contents.
type FailurePageData struct {
	Message  string
	LoginURL string
}
