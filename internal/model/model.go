package model

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of account roles. A role is assigned at signup and
// never changes afterwards; every gate in the HTTP layer references these
// values and no other role string exists anywhere in the system.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(raw))) {
	case RoleStudent:
		return RoleStudent, nil
	case RoleTeacher:
		return RoleTeacher, nil
	default:
		return "", fmt.Errorf("invalid role %q", raw)
	}
}

type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
	StatusLate    AttendanceStatus = "late"
)

func ParseAttendanceStatus(raw string) (AttendanceStatus, error) {
	switch AttendanceStatus(strings.TrimSpace(strings.ToLower(raw))) {
	case StatusPresent:
		return StatusPresent, nil
	case StatusAbsent:
		return StatusAbsent, nil
	case StatusLate:
		return StatusLate, nil
	default:
		return "", fmt.Errorf("invalid attendance status %q", raw)
	}
}

// Profile holds the free-form fields an account fills in after signup.
// CGPA and LastExamScore are writable only through the teacher-gated
// academics endpoint, never through self-service profile updates.
type Profile struct {
	Name          *string
	Department    *string
	Course        *string
	Year          *string
	Semester      *string
	Roll          *string
	PhotoURL      *string
	CGPA          *float64
	LastExamScore *float64
}

type User struct {
	ID            string
	Email         string
	PasswordHash  string
	Role          Role
	ProfileFilled bool
	Profile       Profile
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Classroom struct {
	ID        string
	ClassID   string
	Name      string
	TeacherID string
	Subject   *string
	Semester  *string
	CreatedAt time.Time
}

type Attendance struct {
	ID        string
	ClassID   *string
	StudentID string
	Day       time.Time
	Status    AttendanceStatus
	MarkedBy  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Note struct {
	ID        string
	Title     string
	Content   string
	AuthorID  string
	IsPaid    bool
	Price     float64
	CreatedAt time.Time
}
