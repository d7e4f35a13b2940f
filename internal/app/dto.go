package app

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"versehub/api/internal/poem"
)

const (
	maxContentLength = 20000
	maxTitleLength   = 200
	maxTextLength    = 4000
)

// sessionRequest carries a signed assertion from the identity provider. A
// missing assertion is rejected as unauthorized, not as a validation error.
type sessionRequest struct {
	Assertion string `json:"assertion"`
}

func (r sessionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Assertion, validation.Length(0, 4096), is.PrintableASCII),
	)
}

type createPoemRequest struct {
	Form  string `json:"form"`
	Tone  string `json:"tone"`
	Title string `json:"title"`
}

func (r createPoemRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Form, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Tone, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Title, validation.Length(0, maxTitleLength)),
	)
}

type contentRequest struct {
	Content string `json:"content"`
}

func (r contentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.Length(0, maxContentLength)),
	)
}

type titleRequest struct {
	Title string `json:"title"`
}

func (r titleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required, validation.Length(1, maxTitleLength)),
	)
}

type visibilityRequest struct {
	Visibility string `json:"visibility"`
}

func (r visibilityRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Visibility, validation.Required,
			validation.In(string(poem.VisibilityPrivate), string(poem.VisibilityPublic))),
	)
}

type publishRequest struct {
	Visibility           string  `json:"visibility"`
	CollaborationEnabled bool    `json:"collaborationEnabled"`
	Description          *string `json:"description"`
}

func (r publishRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Visibility, validation.Required,
			validation.In(string(poem.VisibilityPrivate), string(poem.VisibilityPublic))),
		validation.Field(&r.Description, validation.Length(0, maxTextLength)),
	)
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

func (r generateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Prompt, validation.Length(0, maxTextLength)),
	)
}

type pullRequestRequest struct {
	Content string  `json:"content"`
	Title   *string `json:"title"`
	Message string  `json:"message"`
}

func (r pullRequestRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.Length(0, maxContentLength)),
		validation.Field(&r.Title, validation.Length(0, maxTitleLength)),
		validation.Field(&r.Message, validation.Length(0, maxTextLength)),
	)
}

type commentRequest struct {
	Text string `json:"text"`
}

func (r commentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Text, validation.Required, validation.Length(1, maxTextLength)),
	)
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

func (r reviewRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Decision, validation.Required,
			validation.In(string(DecisionApprove), string(DecisionReject))),
		validation.Field(&r.Comment, validation.Length(0, maxTextLength)),
	)
}

// decisionRequest is the optional body of approve and reject.
type decisionRequest struct {
	Comment string `json:"comment"`
}

func (r decisionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Comment, validation.Length(0, maxTextLength)),
	)
}
