package http

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"rollcall/portal/internal/auth"
	"rollcall/portal/internal/config"
	"rollcall/portal/internal/crypto"
	"rollcall/portal/internal/model"
	"rollcall/portal/internal/repository"
)

const (
	refreshCookieName = "refresh_token"
	dateLayout        = "2006-01-02"
)

type Server struct {
	cfg    config.Config
	store  *repository.Store
	tokens *auth.TokenManager
	redis  *redis.Client
}

func NewServer(cfg config.Config, store *repository.Store, tokens *auth.TokenManager, redisClient *redis.Client) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		tokens: tokens,
		redis:  redisClient,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/signup", s.handleSignup)
	r.Post("/auth/signin", s.handleSignin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.With(s.requireAuth()).Post("/auth/logout", s.handleLogout)

	r.Route("/users", func(r chi.Router) {
		r.With(s.requireAuth()).Get("/me", s.handleGetMe)
		r.With(s.requireAuth()).Patch("/me", s.handleUpdateMe)
		r.With(s.requireAuth(model.RoleTeacher)).Get("/students", s.handleListStudents)
		r.With(s.requireAuth(model.RoleTeacher)).Patch("/{userID}/academics", s.handleUpdateAcademics)
	})

	r.Route("/classrooms", func(r chi.Router) {
		r.With(s.requireAuth(model.RoleTeacher)).Post("/", s.handleCreateClassroom)
		r.With(s.requireAuth()).Post("/join", s.handleJoinClassroom)
		r.With(s.requireAuth()).Get("/", s.handleListClassrooms)
		r.With(s.requireAuth(model.RoleTeacher)).Get("/{classID}/students", s.handleListClassroomStudents)
	})

	r.Route("/attendance", func(r chi.Router) {
		r.With(s.requireAuth(model.RoleTeacher)).Post("/mark", s.handleMarkAttendance)
		r.With(s.requireAuth(model.RoleTeacher)).Get("/class/{date}", s.handleClassAttendance)
		r.With(s.requireAuth(model.RoleStudent)).Get("/me", s.handleMyAttendance)
		r.With(s.requireAuth(model.RoleTeacher)).Get("/export", s.handleExportAttendance)
	})

	r.Route("/notes", func(r chi.Router) {
		r.With(s.requireAuth()).Get("/", s.handleListNotes)
		r.With(s.requireAuth(model.RoleTeacher)).Post("/", s.handleCreateNote)
	})

	return r
}

// Auth gate

type claimsKey struct{}

// requireAuth is the only authorization path in the service. An empty role
// list admits any authenticated identity; a non-empty list admits only the
// named roles. A missing credential is always reported as missing_token,
// never as insufficient_role.
func (s *Server) requireAuth(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing_token")
				return
			}
			claims, err := s.tokens.ParseAccessToken(token)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					writeError(w, http.StatusUnauthorized, "expired_token")
					return
				}
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
			if len(roles) > 0 {
				allowed := false
				for _, role := range roles {
					if model.Role(claims.Role) == role {
						allowed = true
						break
					}
				}
				if !allowed {
					writeError(w, http.StatusForbidden, "insufficient_role")
					return
				}
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Auth handlers

type profileRequest struct {
	Name       *string `json:"name,omitempty"`
	Department *string `json:"department,omitempty"`
	Course     *string `json:"course,omitempty"`
	Year       *string `json:"year,omitempty"`
	Semester   *string `json:"semester,omitempty"`
	Roll       *string `json:"roll,omitempty"`
	PhotoURL   *string `json:"photoUrl,omitempty"`
}

type signupRequest struct {
	Email    string          `json:"email"`
	Password string          `json:"password"`
	Role     string          `json:"role"`
	Profile  *profileRequest `json:"profile,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		log.Printf("password hash error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Profile != nil {
		user.ProfileFilled = true
		user.Profile = model.Profile{
			Name:       req.Profile.Name,
			Department: req.Profile.Department,
			Course:     req.Profile.Course,
			Year:       req.Profile.Year,
			Semester:   req.Profile.Semester,
			Roll:       req.Profile.Roll,
			PhotoURL:   req.Profile.PhotoURL,
		}
	}

	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email_exists")
			return
		}
		log.Printf("user create error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	accessToken, err := s.issueSession(w, user)
	if err != nil {
		log.Printf("token issue error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusCreated, tokenResponse{AccessToken: accessToken, Role: string(user.Role)})
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		log.Printf("user lookup error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if req.Role != "" {
		role, err := model.ParseRole(req.Role)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_role")
			return
		}
		if user.Role != role {
			writeError(w, http.StatusForbidden, "role_mismatch")
			return
		}
	}

	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	accessToken, err := s.issueSession(w, user)
	if err != nil {
		log.Printf("token issue error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: accessToken, Role: string(user.Role)})
}

// issueSession mints the access/refresh pair and sets the refresh cookie.
func (s *Server) issueSession(w http.ResponseWriter, user model.User) (string, error) {
	accessToken, err := s.tokens.NewAccessToken(user.ID, string(user.Role))
	if err != nil {
		return "", err
	}
	refreshToken, _, err := s.tokens.NewRefreshToken(user.ID)
	if err != nil {
		return "", err
	}
	s.setRefreshCookie(w, refreshToken)
	return accessToken, nil
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/auth",
		MaxAge:   int(s.tokens.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	claims, err := s.tokens.ParseRefreshToken(cookie.Value)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			writeError(w, http.StatusUnauthorized, "expired_token")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	if s.redis != nil {
		revoked, err := s.redis.Exists(r.Context(), revokedKey(claims.ID)).Result()
		if err != nil {
			log.Printf("revocation lookup error: %v", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if revoked > 0 {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
	}

	// The role is never trusted from the renewal credential; it is re-read
	// from the account record so a renewed access token always carries the
	// current stored role.
	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "user_not_found")
			return
		}
		log.Printf("user lookup error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	accessToken, err := s.tokens.NewAccessToken(user.ID, string(user.Role))
	if err != nil {
		log.Printf("token issue error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: accessToken})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" && s.redis != nil {
		if claims, err := s.tokens.ParseRefreshToken(cookie.Value); err == nil {
			ttl := time.Until(claims.ExpiresAt.Time)
			if ttl > 0 {
				if err := s.redis.Set(r.Context(), revokedKey(claims.ID), "1", ttl).Err(); err != nil {
					log.Printf("revocation write error: %v", err)
					writeError(w, http.StatusInternalServerError, "server_error")
					return
				}
			}
		}
	}
	s.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func revokedKey(jti string) string {
	return "revoked_refresh:" + jti
}

// User handlers

type profilePayload struct {
	Name          *string  `json:"name,omitempty"`
	Department    *string  `json:"department,omitempty"`
	Course        *string  `json:"course,omitempty"`
	Year          *string  `json:"year,omitempty"`
	Semester      *string  `json:"semester,omitempty"`
	Roll          *string  `json:"roll,omitempty"`
	PhotoURL      *string  `json:"photoUrl,omitempty"`
	CGPA          *float64 `json:"cgpa,omitempty"`
	LastExamScore *float64 `json:"lastExamScore,omitempty"`
}

type userResponse struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Role          string         `json:"role"`
	ProfileFilled bool           `json:"profileFilled"`
	Profile       profilePayload `json:"profile"`
	CreatedOn     int64          `json:"createdOn"`
}

func mapUserResponse(user model.User) userResponse {
	return userResponse{
		ID:            user.ID,
		Email:         user.Email,
		Role:          string(user.Role),
		ProfileFilled: user.ProfileFilled,
		Profile: profilePayload{
			Name:          user.Profile.Name,
			Department:    user.Profile.Department,
			Course:        user.Profile.Course,
			Year:          user.Profile.Year,
			Semester:      user.Profile.Semester,
			Roll:          user.Profile.Roll,
			PhotoURL:      user.Profile.PhotoURL,
			CGPA:          user.Profile.CGPA,
			LastExamScore: user.Profile.LastExamScore,
		},
		CreatedOn: user.CreatedAt.Unix(),
	}
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		log.Printf("user lookup error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, mapUserResponse(user))
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	update := repository.ProfileUpdate{
		Name:       trimmed(req.Name),
		Department: trimmed(req.Department),
		Course:     trimmed(req.Course),
		Year:       trimmed(req.Year),
		Semester:   trimmed(req.Semester),
		Roll:       trimmed(req.Roll),
		PhotoURL:   trimmed(req.PhotoURL),
	}

	user, err := s.store.UpdateProfile(r.Context(), claims.UserID, update)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		log.Printf("profile update error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, mapUserResponse(user))
}

type academicsRequest struct {
	CGPA          *float64 `json:"cgpa,omitempty"`
	LastExamScore *float64 `json:"lastExamScore,omitempty"`
}

func (s *Server) handleUpdateAcademics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id")
		return
	}

	var req academicsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.CGPA == nil && req.LastExamScore == nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	target, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		log.Printf("user lookup error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if target.Role != model.RoleStudent {
		writeError(w, http.StatusBadRequest, "not_a_student")
		return
	}

	user, err := s.store.UpdateAcademics(r.Context(), userID, req.CGPA, req.LastExamScore)
	if err != nil {
		log.Printf("academics update error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, mapUserResponse(user))
}

func (s *Server) handleListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := s.store.ListStudents(r.Context())
	if err != nil {
		log.Printf("student list error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := make([]userResponse, 0, len(students))
	for _, student := range students {
		resp = append(resp, mapUserResponse(student))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Classroom handlers

type createClassroomRequest struct {
	ClassID  string  `json:"classId"`
	Name     string  `json:"name"`
	Subject  *string `json:"subject,omitempty"`
	Semester *string `json:"semester,omitempty"`
}

type classroomResponse struct {
	ID           string  `json:"id"`
	ClassID      string  `json:"classId"`
	Name         string  `json:"name"`
	TeacherID    string  `json:"teacherId"`
	TeacherEmail string  `json:"teacherEmail,omitempty"`
	Subject      *string `json:"subject,omitempty"`
	Semester     *string `json:"semester,omitempty"`
	CreatedOn    int64   `json:"createdOn"`
}

func (s *Server) handleCreateClassroom(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req createClassroomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.ClassID = strings.TrimSpace(req.ClassID)
	req.Name = strings.TrimSpace(req.Name)
	if req.ClassID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	classroom := model.Classroom{
		ID:        uuid.NewString(),
		ClassID:   req.ClassID,
		Name:      req.Name,
		TeacherID: claims.UserID,
		Subject:   trimmed(req.Subject),
		Semester:  trimmed(req.Semester),
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateClassroom(r.Context(), classroom); err != nil {
		if errors.Is(err, repository.ErrClassIDTaken) {
			writeError(w, http.StatusConflict, "classroom_exists")
			return
		}
		log.Printf("classroom create error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusCreated, classroomResponse{
		ID:        classroom.ID,
		ClassID:   classroom.ClassID,
		Name:      classroom.Name,
		TeacherID: classroom.TeacherID,
		Subject:   classroom.Subject,
		Semester:  classroom.Semester,
		CreatedOn: classroom.CreatedAt.Unix(),
	})
}

type joinClassroomRequest struct {
	ClassID string `json:"classId"`
}

func (s *Server) handleJoinClassroom(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req joinClassroomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.ClassID = strings.TrimSpace(req.ClassID)
	if req.ClassID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	classroom, err := s.store.GetClassroomByClassID(r.Context(), req.ClassID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "classroom_not_found")
			return
		}
		log.Printf("classroom lookup error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	joined, err := s.store.JoinClassroom(r.Context(), classroom.ID, claims.UserID)
	if err != nil {
		log.Printf("classroom join error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	status := "already_enrolled"
	if joined {
		status = "joined"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "classId": classroom.ClassID})
}

func (s *Server) handleListClassrooms(w http.ResponseWriter, r *http.Request) {
	classrooms, err := s.store.ListClassrooms(r.Context())
	if err != nil {
		log.Printf("classroom list error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := make([]classroomResponse, 0, len(classrooms))
	for _, classroom := range classrooms {
		resp = append(resp, classroomResponse{
			ID:           classroom.ID,
			ClassID:      classroom.ClassID,
			Name:         classroom.Name,
			TeacherID:    classroom.TeacherID,
			TeacherEmail: classroom.TeacherEmail,
			Subject:      classroom.Subject,
			Semester:     classroom.Semester,
			CreatedOn:    classroom.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListClassroomStudents(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "classID")
	if classID == "" {
		writeError(w, http.StatusBadRequest, "missing_class_id")
		return
	}

	classroom, err := s.store.GetClassroomByClassID(r.Context(), classID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "classroom_not_found")
			return
		}
		log.Printf("classroom lookup error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	students, err := s.store.ListClassroomStudents(r.Context(), classroom.ID)
	if err != nil {
		log.Printf("classroom students error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := make([]userResponse, 0, len(students))
	for _, student := range students {
		resp = append(resp, mapUserResponse(student))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Attendance handlers

type markAttendanceRequest struct {
	StudentID string  `json:"studentId"`
	Date      string  `json:"date"`
	Status    string  `json:"status"`
	ClassID   *string `json:"classId,omitempty"`
}

type attendanceResponse struct {
	ID           string  `json:"id"`
	ClassID      *string `json:"classId,omitempty"`
	StudentID    string  `json:"studentId"`
	StudentEmail string  `json:"studentEmail,omitempty"`
	StudentName  *string `json:"studentName,omitempty"`
	Date         string  `json:"date"`
	Status       string  `json:"status"`
}

func mapAttendanceResponse(record model.Attendance) attendanceResponse {
	return attendanceResponse{
		ID:        record.ID,
		ClassID:   record.ClassID,
		StudentID: record.StudentID,
		Date:      record.Day.Format(dateLayout),
		Status:    string(record.Status),
	}
}

func (s *Server) handleMarkAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req markAttendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "missing_student_id")
		return
	}

	day, err := parseDay(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return
	}
	status, err := model.ParseAttendanceStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	student, err := s.store.GetUserByID(r.Context(), req.StudentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "student_not_found")
			return
		}
		log.Printf("student lookup error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if student.Role != model.RoleStudent {
		writeError(w, http.StatusBadRequest, "not_a_student")
		return
	}

	record, err := s.store.UpsertAttendance(r.Context(), model.Attendance{
		ID:        uuid.NewString(),
		ClassID:   trimmed(req.ClassID),
		StudentID: student.ID,
		Day:       day,
		Status:    status,
		MarkedBy:  claims.UserID,
	})
	if err != nil {
		log.Printf("attendance upsert error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, mapAttendanceResponse(record))
}

func (s *Server) handleClassAttendance(w http.ResponseWriter, r *http.Request) {
	day, err := parseDay(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return
	}

	records, err := s.store.ListAttendanceByDay(r.Context(), day)
	if err != nil {
		log.Printf("attendance list error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, mapAttendanceList(records))
}

func (s *Server) handleMyAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	records, err := s.store.ListAttendanceByStudent(r.Context(), claims.UserID)
	if err != nil {
		log.Printf("attendance list error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := make([]attendanceResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, mapAttendanceResponse(record))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportAttendance(w http.ResponseWriter, r *http.Request) {
	from, err := parseDay(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return
	}
	to, err := parseDay(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "invalid_range")
		return
	}

	records, err := s.store.ListAttendanceRange(r.Context(), from, to)
	if err != nil {
		log.Printf("attendance export error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		writeAttendanceCSV(w, from, to, records)
		return
	}
	writeJSON(w, http.StatusOK, mapAttendanceList(records))
}

func mapAttendanceList(records []repository.AttendanceWithStudent) []attendanceResponse {
	resp := make([]attendanceResponse, 0, len(records))
	for _, record := range records {
		entry := mapAttendanceResponse(record.Attendance)
		entry.StudentEmail = record.StudentEmail
		entry.StudentName = record.StudentName
		resp = append(resp, entry)
	}
	return resp
}

func writeAttendanceCSV(w http.ResponseWriter, from, to time.Time, records []repository.AttendanceWithStudent) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(
		"attachment; filename=attendance_%s_%s.csv", from.Format(dateLayout), to.Format(dateLayout)))

	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"date", "student_email", "student_name", "status", "class_id"})
	for _, record := range records {
		name := ""
		if record.StudentName != nil {
			name = *record.StudentName
		}
		classID := ""
		if record.ClassID != nil {
			classID = *record.ClassID
		}
		_ = writer.Write([]string{
			record.Day.Format(dateLayout),
			record.StudentEmail,
			name,
			string(record.Status),
			classID,
		})
	}
	writer.Flush()
}

// Note handlers

type createNoteRequest struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	IsPaid  bool    `json:"isPaid,omitempty"`
	Price   float64 `json:"price,omitempty"`
}

type noteResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	AuthorID    string  `json:"authorId"`
	AuthorEmail string  `json:"authorEmail,omitempty"`
	AuthorName  *string `json:"authorName,omitempty"`
	IsPaid      bool    `json:"isPaid"`
	Price       float64 `json:"price"`
	CreatedOn   int64   `json:"createdOn"`
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.store.ListNotes(r.Context())
	if err != nil {
		log.Printf("note list error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := make([]noteResponse, 0, len(notes))
	for _, note := range notes {
		resp = append(resp, noteResponse{
			ID:          note.ID,
			Title:       note.Title,
			Content:     note.Content,
			AuthorID:    note.AuthorID,
			AuthorEmail: note.AuthorEmail,
			AuthorName:  note.AuthorName,
			IsPaid:      note.IsPaid,
			Price:       note.Price,
			CreatedOn:   note.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req createNoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	note := model.Note{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Content:   req.Content,
		AuthorID:  claims.UserID,
		IsPaid:    req.IsPaid,
		Price:     req.Price,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateNote(r.Context(), note); err != nil {
		log.Printf("note create error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusCreated, noteResponse{
		ID:        note.ID,
		Title:     note.Title,
		Content:   note.Content,
		AuthorID:  note.AuthorID,
		IsPaid:    note.IsPaid,
		Price:     note.Price,
		CreatedOn: note.CreatedAt.Unix(),
	})
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseDay(raw string) (time.Time, error) {
	day, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, err
	}
	return day.UTC(), nil
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return nil
	}
	return &v
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
