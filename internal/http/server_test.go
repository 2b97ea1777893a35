package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"rollcall/portal/internal/auth"
	"rollcall/portal/internal/config"
	"rollcall/portal/internal/db"
	"rollcall/portal/internal/model"
	"rollcall/portal/internal/repository"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("ROLLCALL_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("ROLLCALL_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	applyMigrations(pool)
	return pool
}

// applyMigrations is best-effort: statements fail harmlessly when the schema
// already exists.
func applyMigrations(pool *pgxpool.Pool) {
	data, err := os.ReadFile("../../migrations/0001_init.sql")
	if err != nil {
		return
	}
	for _, stmt := range strings.Split(string(data), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		_, _ = pool.Exec(context.Background(), stmt)
	}
}

func newIntegrationServer(t *testing.T) (*Server, *httptest.Server) {
	pool := openTestDB(t)
	if pool == nil {
		return nil, nil
	}
	t.Cleanup(pool.Close)

	cfg := config.Config{
		HTTPAddr:           ":0",
		AccessTokenSecret:  "test-access-secret",
		RefreshTokenSecret: "test-refresh-secret",
		JWTIssuer:          "test-issuer",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    time.Hour,
		SecureCookies:      false,
	}
	tokens := auth.NewTokenManager(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, cfg.JWTIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	server := NewServer(cfg, repository.NewStore(pool), tokens, nil)
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return server, app
}

func doReq(t *testing.T, method, url, token string, body interface{}, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
}

func refreshCookie(resp *http.Response) *http.Cookie {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == refreshCookieName {
			return cookie
		}
	}
	return nil
}

func signup(t *testing.T, app *httptest.Server, email string, role model.Role) (string, *http.Cookie) {
	t.Helper()
	resp := doReq(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]interface{}{
		"email":    email,
		"password": "dev-password",
		"role":     string(role),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup expected 201, got %d", resp.StatusCode)
	}
	cookie := refreshCookie(resp)
	if cookie == nil {
		t.Fatalf("signup did not set refresh cookie")
	}
	var body tokenResponse
	decodeBody(t, resp, &body)
	if body.Role != string(role) {
		t.Fatalf("expected role %s, got %s", role, body.Role)
	}
	return body.AccessToken, cookie
}

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s.%s@example.local", prefix, uuid.NewString()[:8])
}

func TestSignupSigninFlow(t *testing.T) {
	server, app := newIntegrationServer(t)
	if server == nil {
		return
	}

	email := uniqueEmail("student")
	accessToken, _ := signup(t, app, email, model.RoleStudent)

	claims, err := server.tokens.ParseAccessToken(accessToken)
	if err != nil {
		t.Fatalf("access token parse error: %v", err)
	}
	if claims.Role != string(model.RoleStudent) {
		t.Fatalf("expected student role claim, got %s", claims.Role)
	}

	// getSelf returns the record with the credential hash omitted.
	resp := doReq(t, http.MethodGet, app.URL+"/users/me", accessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var me map[string]interface{}
	decodeBody(t, resp, &me)
	if me["email"] != email {
		t.Fatalf("expected email %s, got %v", email, me["email"])
	}
	for _, key := range []string{"passwordHash", "password_hash", "password"} {
		if _, ok := me[key]; ok {
			t.Fatalf("response leaked %s", key)
		}
	}

	// Duplicate signup.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]interface{}{
		"email":    email,
		"password": "other-password",
		"role":     "student",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	// Signin succeeds with the right password.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/signin", "", map[string]interface{}{
		"email":    email,
		"password": "dev-password",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// Wrong password.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/signin", "", map[string]interface{}{
		"email":    email,
		"password": "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// Role filter mismatch.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/signin", "", map[string]interface{}{
		"email":    email,
		"password": "dev-password",
		"role":     "teacher",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestRefreshIssuesFreshRole(t *testing.T) {
	server, app := newIntegrationServer(t)
	if server == nil {
		return
	}

	_, cookie := signup(t, app, uniqueEmail("student"), model.RoleStudent)

	// The renewal credential itself carries no role claim.
	refreshClaims, err := server.tokens.ParseRefreshToken(cookie.Value)
	if err != nil {
		t.Fatalf("refresh token parse error: %v", err)
	}
	if refreshClaims.Role != "" {
		t.Fatalf("refresh token must not carry a role, got %q", refreshClaims.Role)
	}

	resp := doReq(t, http.MethodPost, app.URL+"/auth/refresh", "", nil, cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body refreshResponse
	decodeBody(t, resp, &body)

	claims, err := server.tokens.ParseAccessToken(body.AccessToken)
	if err != nil {
		t.Fatalf("access token parse error: %v", err)
	}
	if claims.UserID != refreshClaims.UserID {
		t.Fatalf("identity changed across refresh")
	}
	if claims.Role != string(model.RoleStudent) {
		t.Fatalf("expected stored role student, got %s", claims.Role)
	}
}

func TestConcurrentDuplicateSignup(t *testing.T) {
	server, app := newIntegrationServer(t)
	if server == nil {
		return
	}

	email := uniqueEmail("race")
	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]interface{}{
				"email":    email,
				"password": "dev-password",
				"role":     "student",
			})
			resp, err := http.Post(app.URL+"/auth/signup", "application/json", bytes.NewReader(body))
			if err != nil {
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			statuses[slot] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	created, conflicted := 0, 0
	for _, status := range statuses {
		switch status {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicted++
		}
	}
	if created != 1 || conflicted != 1 {
		t.Fatalf("expected exactly one 201 and one 409, got %v", statuses)
	}
}

func TestClassroomFlow(t *testing.T) {
	server, app := newIntegrationServer(t)
	if server == nil {
		return
	}

	teacherToken, _ := signup(t, app, uniqueEmail("teacher"), model.RoleTeacher)
	studentToken, _ := signup(t, app, uniqueEmail("student"), model.RoleStudent)

	classID := "MATH-" + uuid.NewString()[:8]
	resp := doReq(t, http.MethodPost, app.URL+"/classrooms/", teacherToken, map[string]interface{}{
		"classId": classID,
		"name":    "Mathematics II",
		"subject": "math",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	// Identifier reuse is rejected.
	resp = doReq(t, http.MethodPost, app.URL+"/classrooms/", teacherToken, map[string]interface{}{
		"classId": classID,
		"name":    "Another class",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	// Students cannot create classrooms.
	resp = doReq(t, http.MethodPost, app.URL+"/classrooms/", studentToken, map[string]interface{}{
		"classId": "OTHER-" + uuid.NewString()[:8],
		"name":    "Nope",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// Concurrent joins collapse to one enrollment.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(map[string]string{"classId": classID})
			req, err := http.NewRequest(http.MethodPost, app.URL+"/classrooms/join", bytes.NewReader(body))
			if err != nil {
				return
			}
			req.Header.Set("Authorization", "Bearer "+studentToken)
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
	}
	wg.Wait()

	resp = doReq(t, http.MethodGet, app.URL+"/classrooms/"+classID+"/students", teacherToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var students []userResponse
	decodeBody(t, resp, &students)
	if len(students) != 1 {
		t.Fatalf("expected exactly one enrollment, got %d", len(students))
	}
}

func TestAttendanceUpsert(t *testing.T) {
	server, app := newIntegrationServer(t)
	if server == nil {
		return
	}

	teacherToken, _ := signup(t, app, uniqueEmail("teacher"), model.RoleTeacher)
	studentToken, _ := signup(t, app, uniqueEmail("student"), model.RoleStudent)

	studentClaims, err := server.tokens.ParseAccessToken(studentToken)
	if err != nil {
		t.Fatalf("token parse error: %v", err)
	}
	day := time.Now().UTC().Format(dateLayout)

	mark := func(status string) attendanceResponse {
		resp := doReq(t, http.MethodPost, app.URL+"/attendance/mark", teacherToken, map[string]interface{}{
			"studentId": studentClaims.UserID,
			"date":      day,
			"status":    status,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var record attendanceResponse
		decodeBody(t, resp, &record)
		return record
	}

	first := mark("present")
	second := mark("late")
	if first.ID != second.ID {
		t.Fatalf("expected the same record to be updated, got %s and %s", first.ID, second.ID)
	}
	if second.Status != "late" {
		t.Fatalf("expected latest status to win, got %s", second.Status)
	}

	// The day's roster holds a single record for this student.
	resp := doReq(t, http.MethodGet, app.URL+"/attendance/class/"+day, teacherToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var records []attendanceResponse
	decodeBody(t, resp, &records)
	count := 0
	for _, record := range records {
		if record.StudentID == studentClaims.UserID {
			count++
			if record.Status != "late" {
				t.Fatalf("expected status late, got %s", record.Status)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected one record for the student, got %d", count)
	}

	// The student sees their own history; teachers are kept out of /me.
	resp = doReq(t, http.MethodGet, app.URL+"/attendance/me", studentToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doReq(t, http.MethodGet, app.URL+"/attendance/me", teacherToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// CSV export.
	resp = doReq(t, http.MethodGet, app.URL+"/attendance/export?from="+day+"&to="+day+"&format=csv", teacherToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv, got %s", ct)
	}
	resp.Body.Close()
}

func TestAcademicsUpdateGate(t *testing.T) {
	server, app := newIntegrationServer(t)
	if server == nil {
		return
	}

	teacherToken, _ := signup(t, app, uniqueEmail("teacher"), model.RoleTeacher)
	studentToken, _ := signup(t, app, uniqueEmail("student"), model.RoleStudent)

	studentClaims, err := server.tokens.ParseAccessToken(studentToken)
	if err != nil {
		t.Fatalf("token parse error: %v", err)
	}

	// Students cannot touch academic fields, not even their own.
	resp := doReq(t, http.MethodPatch, app.URL+"/users/"+studentClaims.UserID+"/academics", studentToken, map[string]interface{}{
		"cgpa": 9.9,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp = doReq(t, http.MethodPatch, app.URL+"/users/"+studentClaims.UserID+"/academics", teacherToken, map[string]interface{}{
		"cgpa": 8.5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var updated userResponse
	decodeBody(t, resp, &updated)
	if updated.Profile.CGPA == nil || *updated.Profile.CGPA != 8.5 {
		t.Fatalf("expected cgpa 8.5, got %v", updated.Profile.CGPA)
	}
}
