package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strconv"

	"github.com/nugget/moodmender/internal/auth"
	"github.com/nugget/moodmender/internal/users"
)

const (
	msgEmailTaken     = "This email is already registered. Please log in."
	msgBadCredentials = "Invalid email or password."
	msgSignupFailed   = "An unexpected error occurred during signup. Please try again later."
)

// SignupRequest is the body of POST /signup.
type SignupRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Age       int    `json:"age"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

func (req SignupRequest) validate() error {
	switch {
	case blank(req.FirstName):
		return errors.New("firstName is required")
	case blank(req.LastName):
		return errors.New("lastName is required")
	case req.Age <= 0:
		return errors.New("age must be a positive number")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return errors.New("email is not a valid address")
	}
	return nil
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if _, err := s.deps.Users.ByEmail(ctx, req.Email); err == nil {
		s.errorResponse(w, http.StatusBadRequest, msgEmailTaken)
		return
	} else if !errors.Is(err, users.ErrNotFound) {
		s.logger.Error("signup lookup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, msgSignupFailed)
		return
	}
	if err := users.ValidatePassword(req.Password); err != nil {
		s.errorResponse(w, http.StatusBadRequest, users.PasswordPolicy)
		return
	}

	u, err := s.deps.Users.Create(ctx, users.NewUser{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Age:       req.Age,
		Email:     req.Email,
		Password:  req.Password,
	})
	if errors.Is(err, users.ErrEmailTaken) {
		s.errorResponse(w, http.StatusBadRequest, msgEmailTaken)
		return
	}
	if err != nil {
		s.logger.Error("signup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, msgSignupFailed)
		return
	}

	if err := s.deps.Profiles.PutProfile(ctx, u.ID, u.FullName(), strconv.Itoa(u.Age)); err != nil {
		s.logger.Error("profile write failed", "user_id", u.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, msgSignupFailed)
		return
	}

	s.logger.Info("user registered", "user_id", u.ID)
	s.respond(w, http.StatusCreated, map[string]string{
		"message": "User " + u.FullName() + " successfully registered.",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := s.deps.Users.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, users.ErrBadCredentials) {
		s.errorResponse(w, http.StatusUnauthorized, msgBadCredentials)
		return
	}
	if err != nil {
		s.logger.Error("login failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	token, exp, err := s.deps.Auth.Issue(auth.Identity{UserID: u.ID, Email: u.Email})
	if err != nil {
		s.logger.Error("token issue failed", "user_id", u.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Could not create session")
		return
	}
	s.deps.Auth.SetCookie(w, token, exp)

	s.logger.Info("user logged in", "user_id", u.ID)
	s.respond(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"data": map[string]any{
			"session": map[string]string{
				"access_token": token,
				"token_type":   "bearer",
			},
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Auth.ClearCookie(w)
	s.respond(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (s *Server) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	s.respond(w, http.StatusOK, map[string]any{
		"user": map[string]string{
			"user_id": id.UserID,
			"email":   id.Email,
		},
	})
}
