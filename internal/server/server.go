package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pawline/internal/domain"
	"pawline/internal/engine"
	"pawline/internal/engine/fault"
	"pawline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"conversation is closed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pawline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Pawline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProfiles(group, cfg.Engine)
	registerListings(group, cfg.Engine)
	registerConversations(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerAgreements(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine faults onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch fault.KindOf(err) {
	case fault.NotFound:
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case fault.Forbidden:
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case fault.Conflict:
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case fault.InvalidState:
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", err.Error(), nil)
	case fault.Transient:
		return newAPIError(http.StatusServiceUnavailable, "transient", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_state"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "transient"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ensure-profile",
		Method:        http.MethodPut,
		Path:          "/profiles",
		Summary:       "Create or update a profile",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EnsureProfileRequest `json:"body"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" || input.Body.DisplayName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and display_name are required", nil)
		}
		p, err := e.EnsureProfile(ctx, input.Body.ID, input.Body.DisplayName, input.Body.Region)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{id}",
		Summary:     "Get profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProfile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})
}

func registerListings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-listing",
		Method:        http.MethodPost,
		Path:          "/listings",
		Summary:       "Create listing",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateListingRequest `json:"body"`
	}) (*struct {
		Body ListingResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ListingCreateOptions{
			OwnerID:     actorID,
			Name:        input.Body.Name,
			Species:     input.Body.Species,
			Description: input.Body.Description,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		l, err := e.CreateListing(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListingResponse `json:"body"`
		}{Body: listingResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-listings",
		Method:      http.MethodGet,
		Path:        "/listings",
		Summary:     "List listings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedListings `json:"body"`
	}, error) {
		limit := normalizeLimit(e, input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListListings(ctx, repo.ListingFilters{
			OwnerID:         input.OwnerID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedListings{Items: []ListingResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapListings(items)
		return &struct {
			Body paginatedListings `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-listing",
		Method:      http.MethodGet,
		Path:        "/listings/{id}",
		Summary:     "Get listing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ListingResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetListing(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListingResponse `json:"body"`
		}{Body: listingResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-listing",
		Method:      http.MethodPost,
		Path:        "/listings/{id}/withdraw",
		Summary:     "Withdraw listing",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ListingResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.WithdrawListing(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListingResponse `json:"body"`
		}{Body: listingResponse(l)}, nil
	})
}

func registerConversations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-conversation",
		Method:        http.MethodPost,
		Path:          "/conversations",
		Summary:       "Start (or reopen) a conversation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body StartConversationRequest `json:"body"`
	}) (*struct {
		Body ConversationResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ListingID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "listing_id is required", nil)
		}
		c, err := e.StartConversation(ctx, input.Body.ListingID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		parts, err := e.Repo.ListParticipants(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConversationResponse `json:"body"`
		}{Body: conversationResponse(c, parts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-conversation",
		Method:      http.MethodGet,
		Path:        "/conversations/{id}",
		Summary:     "Get conversation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ConversationResponse `json:"body"`
	}, error) {
		c, parts, err := e.GetConversation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConversationResponse `json:"body"`
		}{Body: conversationResponse(c, parts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-listing-conversations",
		Method:      http.MethodGet,
		Path:        "/listings/{id}/conversations",
		Summary:     "List conversations for a listing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ConversationResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetListing(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListConversationsByListing(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ConversationResponse, 0, len(items))
		for _, c := range items {
			res = append(res, conversationResponse(c, nil))
		}
		return &struct {
			Body []ConversationResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-participant",
		Method:      http.MethodPost,
		Path:        "/conversations/{id}/participants",
		Summary:     "Add participant",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body AddParticipantRequest `json:"body"`
	}) (*struct {
		Body ConversationResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ProfileID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "profile_id is required", nil)
		}
		c, err := e.AddParticipant(ctx, input.ID, input.Body.ProfileID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		parts, err := e.Repo.ListParticipants(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConversationResponse `json:"body"`
		}{Body: conversationResponse(c, parts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-participant",
		Method:      http.MethodDelete,
		Path:        "/conversations/{id}/participants/{profile_id}",
		Summary:     "Remove participant",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		ProfileID string `path:"profile_id"`
	}) (*struct {
		Body ConversationResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RemoveParticipant(ctx, input.ID, input.ProfileID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		parts, err := e.Repo.ListParticipants(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConversationResponse `json:"body"`
		}{Body: conversationResponse(c, parts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-conversation",
		Method:      http.MethodPost,
		Path:        "/conversations/{id}/close",
		Summary:     "Close conversation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body CloseConversationRequest `json:"body"`
	}) (*struct {
		Body ConversationResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CloseConversation(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConversationResponse `json:"body"`
		}{Body: conversationResponse(c, nil)}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/conversations/{id}/messages",
		Summary:       "Post message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body PostMessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.PostMessage(ctx, engine.MessagePostOptions{
			ConversationID: input.ID,
			SenderID:       actorID,
			Text:           input.Body.Text,
			AttachmentRef:  input.Body.AttachmentRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/conversations/{id}/messages",
		Summary:     "List messages",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		AfterSeq int64  `query:"after_seq"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body paginatedMessages `json:"body"`
	}, error) {
		items, err := e.ListMessages(ctx, input.ID, input.AfterSeq, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMessages{Items: []MessageResponse{}}
		for _, m := range items {
			resp.Items = append(resp.Items, messageResponse(m))
		}
		if len(items) > 0 {
			resp.NextSeq = items[len(items)-1].Seq
		}
		return &struct {
			Body paginatedMessages `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-read",
		Method:      http.MethodPost,
		Path:        "/conversations/{id}/read",
		Summary:     "Mark messages read",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body MarkReadRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkRead(ctx, input.ID, actorID, input.Body.UpToSeq); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agreement",
		Method:        http.MethodPost,
		Path:          "/agreements",
		Summary:       "Draft agreement",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAgreementRequest `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ListingID == "" || input.Body.AdopterID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "listing_id and adopter_id are required", nil)
		}
		a, err := e.CreateAgreement(ctx, engine.AgreementCreateOptions{
			ListingID:      input.Body.ListingID,
			AdopterID:      input.Body.AdopterID,
			ConversationID: input.Body.ConversationID,
			Terms:          input.Body.Terms,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{id}",
		Summary:     "Get agreement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgreement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-signature",
		Method:      http.MethodPost,
		Path:        "/agreements/{id}/signatures",
		Summary:     "Submit signature",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body SubmitSignatureRequest `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SubmitSignature(ctx, input.ID, actorID, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "void-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{id}/void",
		Summary:     "Void agreement",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body VoidAgreementRequest `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.VoidAgreement(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "render-agreement-document",
		Method:      http.MethodPost,
		Path:        "/agreements/{id}/document",
		Summary:     "Render agreement document",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if _, authErr := profileIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.RenderDocument(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event feed",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After     int64  `query:"after"`
		Limit     int    `query:"limit" default:"100"`
		ListingID string `query:"listing_id"`
		Type      string `query:"type"`
		Kind      string `query:"entity_kind"`
		EntityID  string `query:"entity_id"`
		Latest    bool   `query:"latest"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if input.Latest {
			evts, err := e.Repo.LatestEvents(ctx, input.Limit, input.ListingID, input.Type, input.Kind, input.EntityID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []EventResponse `json:"body"`
			}{Body: mapEvents(evts)}, nil
		}
		evts, err := e.Repo.EventsAfter(ctx, input.Limit, input.After, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rawKey := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ProfileID: actorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = rawKey
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		owned := false
		for _, k := range keys {
			if k.ID == input.ID {
				owned = true
				break
			}
		}
		if !owned {
			return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// --- cursors & helpers ---

func normalizeLimit(e engine.Engine, limit int) int {
	defaultPage, maxPage := 50, 200
	if e.Config != nil {
		if e.Config.Limits.DefaultPageSize > 0 {
			defaultPage = e.Config.Limits.DefaultPageSize
		}
		if e.Config.Limits.MaxPageSize > 0 {
			maxPage = e.Config.Limits.MaxPageSize
		}
	}
	if limit <= 0 {
		return defaultPage
	}
	if limit > maxPage {
		return maxPage
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pawline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
