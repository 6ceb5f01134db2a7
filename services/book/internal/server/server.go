package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"

	"booknetwork/internal/apierror"
	"booknetwork/internal/util"
	"booknetwork/pkg/domain"
	"booknetwork/pkg/storage"
	"booknetwork/services/book/internal/app"
)

const (
	apiPrefix       = "/api/v1/books"
	maxBodyBytes    = 1 << 20
	multipartMemory = 1 << 20
)

// SessionVerifier validates bearer tokens issued by the auth service.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (domain.SessionClaims, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Verifier       SessionVerifier
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the book service.
type Server struct {
	app      *app.App
	verifier SessionVerifier
	trusted  *util.TrustedProxies
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server requires session verifier")
	}
	s := &Server{
		app:      cfg.App,
		verifier: cfg.Verifier,
		trusted:  cfg.TrustedProxies,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("book", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// books
	for _, root := range []string{apiPrefix, apiPrefix + "/{$}"} {
		s.mux.Handle("POST "+root, s.withUser(s.handleSaveBook))
		s.mux.Handle("GET "+root, s.withUser(s.handleListDisplayable))
	}
	s.mux.Handle("GET "+apiPrefix+"/{id}", s.withUser(s.handleFindBook))
	s.mux.Handle("GET "+apiPrefix+"/owner", s.withUser(s.handleListOwned))
	s.mux.Handle("GET "+apiPrefix+"/borrowed", s.withUser(s.handleListBorrowed))
	s.mux.Handle("GET "+apiPrefix+"/returned", s.withUser(s.handleListReturned))
	s.mux.Handle("PATCH "+apiPrefix+"/shareable/{id}", s.withUser(s.handleToggleShareable))
	s.mux.Handle("PATCH "+apiPrefix+"/archived/{id}", s.withUser(s.handleToggleArchived))
	s.mux.Handle("POST "+apiPrefix+"/cover/{id}", s.withUser(s.handleUploadCover))

	// lending
	s.mux.Handle("POST "+apiPrefix+"/borrow/{id}", s.withUser(s.handleBorrow))
	s.mux.Handle("PATCH "+apiPrefix+"/borrow/return/{id}", s.withUser(s.handleReturn))
	s.mux.Handle("PATCH "+apiPrefix+"/borrow/return/approve/{id}", s.withUser(s.handleApproveReturn))

	// feedback
	s.mux.Handle("POST "+apiPrefix+"/feedbacks", s.withUser(s.handleSaveFeedback))
	s.mux.Handle("GET "+apiPrefix+"/feedbacks/book/{id}", s.withUser(s.handleListFeedback))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	apierror.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.SessionClaims)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			apierror.Write(w, r, domain.ErrUnauthorized)
			return
		}
		claims, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("security_event",
				"event", "book.authorize",
				"outcome", "fail",
				"path", r.URL.Path,
				"ip", util.ClientIP(r, s.trusted),
			)
			apierror.Write(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", claims.Subject))
		next(w, r.WithContext(ctx), claims)
	})
}

type idResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleSaveBook(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	var req app.BookRequest
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, r, err)
		return
	}
	id, err := s.app.SaveBook(r.Context(), claims.Subject, req)
	writeID(w, r, id, err)
}

func (s *Server) handleFindBook(w http.ResponseWriter, r *http.Request, _ domain.SessionClaims) {
	book, err := s.app.FindBook(r.Context(), r.PathValue("id"))
	if err != nil {
		apierror.Write(w, r, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, book)
}

func (s *Server) handleListDisplayable(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	books, err := s.app.ListDisplayableBooks(r.Context(), claims.Subject, page)
	writePage(w, r, books, err)
}

func (s *Server) handleListOwned(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	books, err := s.app.ListOwnedBooks(r.Context(), claims.Subject, page)
	writePage(w, r, books, err)
}

func (s *Server) handleListBorrowed(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	books, err := s.app.ListBorrowedBooks(r.Context(), claims.Subject, page)
	writePage(w, r, books, err)
}

func (s *Server) handleListReturned(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	books, err := s.app.ListReturnedBooks(r.Context(), claims.Subject, page)
	writePage(w, r, books, err)
}

func (s *Server) handleToggleShareable(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	id, err := s.app.ToggleShareable(r.Context(), r.PathValue("id"), claims.Subject)
	writeID(w, r, id, err)
}

func (s *Server) handleToggleArchived(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	id, err := s.app.ToggleArchived(r.Context(), r.PathValue("id"), claims.Subject)
	writeID(w, r, id, err)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	id, err := s.app.BorrowBook(r.Context(), r.PathValue("id"), claims.Subject)
	s.auditLoan(r, "book.borrow", claims.Subject, err)
	writeID(w, r, id, err)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	id, err := s.app.ReturnBook(r.Context(), r.PathValue("id"), claims.Subject)
	s.auditLoan(r, "book.return", claims.Subject, err)
	writeID(w, r, id, err)
}

func (s *Server) handleApproveReturn(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	id, err := s.app.ApproveReturn(r.Context(), r.PathValue("id"), claims.Subject)
	s.auditLoan(r, "book.approve_return", claims.Subject, err)
	writeID(w, r, id, err)
}

func (s *Server) handleUploadCover(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	limit := s.app.MaxCoverBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierror.Write(w, r, apierror.ErrPayloadTooLarge)
			return
		}
		apierror.Write(w, r, fmt.Errorf("%w: %v", apierror.ErrMalformedBody, err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		apierror.Write(w, r, validation.Errors{"file": errors.New("cover file is mandatory")})
		return
	}
	defer file.Close()

	err = s.app.UploadCover(r.Context(), r.PathValue("id"), claims.Subject, file, header.Size)
	switch {
	case errors.Is(err, storage.ErrUnsupportedImage):
		err = apierror.WithDescription(fmt.Errorf("%w: %v", apierror.ErrUnsupportedMedia, err), storage.ErrUnsupportedImage.Error())
	case errors.Is(err, app.ErrCoverTooLarge):
		err = apierror.ErrPayloadTooLarge
	case errors.Is(err, app.ErrCoverEmpty):
		err = validation.Errors{"file": app.ErrCoverEmpty}
	}
	if err != nil {
		apierror.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSaveFeedback(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	var req app.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, r, err)
		return
	}
	id, err := s.app.SaveFeedback(r.Context(), claims.Subject, req)
	writeID(w, r, id, err)
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request, claims domain.SessionClaims) {
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	feedback, err := s.app.ListFeedback(r.Context(), r.PathValue("id"), claims.Subject, page)
	writePage(w, r, feedback, err)
}

func (s *Server) auditLoan(r *http.Request, event, userID string, err error) {
	logger := util.LoggerFromContext(r.Context())
	attrs := []any{
		"event", event,
		"book_id", r.PathValue("id"),
		"user_id", userID,
	}
	if err != nil {
		_, body := apierror.Classify(err)
		logger.Info("lending_event", append(attrs, "outcome", "rejected", "code", body.BusinessErrorCode)...)
		return
	}
	logger.Info("lending_event", append(attrs, "outcome", "success")...)
}

func writeID(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		apierror.Write(w, r, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, idResponse{ID: id})
}

func writePage[T any](w http.ResponseWriter, r *http.Request, page domain.Page[T], err error) {
	if err != nil {
		apierror.Write(w, r, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, page)
}

// pageRequest reads page (default 0) and size (default 10) from the query.
func pageRequest(w http.ResponseWriter, r *http.Request) (domain.PageRequest, bool) {
	query := r.URL.Query()
	fieldErrs := validation.Errors{}
	req := domain.PageRequest{Size: domain.DefaultPageSize}
	if raw := strings.TrimSpace(query.Get("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fieldErrs["page"] = errors.New("page must be a non-negative number")
		}
		req.Page = n
	}
	if raw := strings.TrimSpace(query.Get("size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fieldErrs["size"] = errors.New("size must be a positive number")
		}
		req.Size = n
	}
	if len(fieldErrs) > 0 {
		apierror.Write(w, r, fieldErrs)
		return domain.PageRequest{}, false
	}
	return req.Normalize(), true
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", apierror.ErrMalformedBody, err)
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
