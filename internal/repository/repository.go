package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rollcall/portal/internal/model"
)

var (
	ErrEmailTaken   = errors.New("email already registered")
	ErrClassIDTaken = errors.New("class id already in use")
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `
	id, email, password_hash, role, profile_filled,
	name, department, course, year, semester, roll, photo_url,
	cgpa, last_exam_score, created_at, updated_at
`

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.ProfileFilled,
		&user.Profile.Name,
		&user.Profile.Department,
		&user.Profile.Course,
		&user.Profile.Year,
		&user.Profile.Semester,
		&user.Profile.Roll,
		&user.Profile.PhotoURL,
		&user.Profile.CGPA,
		&user.Profile.LastExamScore,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (
			id, email, password_hash, role, profile_filled,
			name, department, course, year, semester, roll, photo_url,
			cgpa, last_exam_score, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		user.ID, user.Email, user.PasswordHash, user.Role, user.ProfileFilled,
		user.Profile.Name, user.Profile.Department, user.Profile.Course,
		user.Profile.Year, user.Profile.Semester, user.Profile.Roll, user.Profile.PhotoURL,
		user.Profile.CGPA, user.Profile.LastExamScore, user.CreatedAt, user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

// ProfileUpdate carries the self-service profile fields. Nil pointers leave
// the stored value untouched.
type ProfileUpdate struct {
	Name       *string
	Department *string
	Course     *string
	Year       *string
	Semester   *string
	Roll       *string
	PhotoURL   *string
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			department = COALESCE($3, department),
			course = COALESCE($4, course),
			year = COALESCE($5, year),
			semester = COALESCE($6, semester),
			roll = COALESCE($7, roll),
			photo_url = COALESCE($8, photo_url),
			profile_filled = true,
			updated_at = $9
		WHERE id = $1
		RETURNING `+userColumns,
		userID,
		update.Name, update.Department, update.Course, update.Year,
		update.Semester, update.Roll, update.PhotoURL,
		time.Now().UTC(),
	)
	return scanUser(row)
}

func (s *Store) UpdateAcademics(ctx context.Context, userID string, cgpa, lastExamScore *float64) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			cgpa = COALESCE($2, cgpa),
			last_exam_score = COALESCE($3, last_exam_score),
			updated_at = $4
		WHERE id = $1
		RETURNING `+userColumns,
		userID, cgpa, lastExamScore, time.Now().UTC(),
	)
	return scanUser(row)
}

func (s *Store) ListStudents(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY email`, model.RoleStudent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) CreateClassroom(ctx context.Context, classroom model.Classroom) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO classrooms (id, class_id, name, teacher_id, subject, semester, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, classroom.ID, classroom.ClassID, classroom.Name, classroom.TeacherID,
		classroom.Subject, classroom.Semester, classroom.CreatedAt)
	if isUniqueViolation(err) {
		return ErrClassIDTaken
	}
	return err
}

func (s *Store) GetClassroomByClassID(ctx context.Context, classID string) (model.Classroom, error) {
	var classroom model.Classroom
	row := s.pool.QueryRow(ctx, `
		SELECT id, class_id, name, teacher_id, subject, semester, created_at
		FROM classrooms
		WHERE class_id = $1
	`, classID)
	err := row.Scan(
		&classroom.ID,
		&classroom.ClassID,
		&classroom.Name,
		&classroom.TeacherID,
		&classroom.Subject,
		&classroom.Semester,
		&classroom.CreatedAt,
	)
	return classroom, err
}

type ClassroomWithTeacher struct {
	model.Classroom
	TeacherEmail string
}

func (s *Store) ListClassrooms(ctx context.Context) ([]ClassroomWithTeacher, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.class_id, c.name, c.teacher_id, c.subject, c.semester, c.created_at, u.email
		FROM classrooms c
		JOIN users u ON u.id = c.teacher_id
		ORDER BY c.class_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classrooms []ClassroomWithTeacher
	for rows.Next() {
		var entry ClassroomWithTeacher
		if err := rows.Scan(
			&entry.ID,
			&entry.ClassID,
			&entry.Name,
			&entry.TeacherID,
			&entry.Subject,
			&entry.Semester,
			&entry.CreatedAt,
			&entry.TeacherEmail,
		); err != nil {
			return nil, err
		}
		classrooms = append(classrooms, entry)
	}
	return classrooms, rows.Err()
}

// JoinClassroom enrolls a student. The composite primary key plus ON CONFLICT
// makes concurrent joins for the same pair collapse to a single row; the
// returned bool reports whether this call inserted it.
func (s *Store) JoinClassroom(ctx context.Context, classroomID, studentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO classroom_students (classroom_id, student_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (classroom_id, student_id) DO NOTHING
	`, classroomID, studentID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListClassroomStudents(ctx context.Context, classroomID string) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		JOIN classroom_students cs ON cs.student_id = users.id
		WHERE cs.classroom_id = $1
		ORDER BY users.email
	`, classroomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpsertAttendance writes the record for (student, day) in a single
// statement. The unique index on (student_id, day) arbitrates concurrent
// marks; the latest status wins.
func (s *Store) UpsertAttendance(ctx context.Context, record model.Attendance) (model.Attendance, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO attendance (id, class_id, student_id, day, status, marked_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (student_id, day) DO UPDATE SET
			class_id = EXCLUDED.class_id,
			status = EXCLUDED.status,
			marked_by = EXCLUDED.marked_by,
			updated_at = EXCLUDED.updated_at
		RETURNING id, class_id, student_id, day, status, marked_by, created_at, updated_at
	`, record.ID, record.ClassID, record.StudentID, record.Day, record.Status,
		record.MarkedBy, time.Now().UTC())
	return scanAttendance(row)
}

func scanAttendance(row interface{ Scan(...any) error }) (model.Attendance, error) {
	var record model.Attendance
	err := row.Scan(
		&record.ID,
		&record.ClassID,
		&record.StudentID,
		&record.Day,
		&record.Status,
		&record.MarkedBy,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	return record, err
}

type AttendanceWithStudent struct {
	model.Attendance
	StudentEmail string
	StudentName  *string
}

func (s *Store) ListAttendanceByDay(ctx context.Context, day time.Time) ([]AttendanceWithStudent, error) {
	return s.listAttendanceJoined(ctx, `WHERE a.day = $1`, day)
}

func (s *Store) ListAttendanceRange(ctx context.Context, from, to time.Time) ([]AttendanceWithStudent, error) {
	return s.listAttendanceJoined(ctx, `WHERE a.day BETWEEN $1 AND $2`, from, to)
}

func (s *Store) listAttendanceJoined(ctx context.Context, where string, args ...any) ([]AttendanceWithStudent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.class_id, a.student_id, a.day, a.status, a.marked_by,
			a.created_at, a.updated_at, u.email, u.name
		FROM attendance a
		JOIN users u ON u.id = a.student_id
		`+where+`
		ORDER BY a.day DESC, u.email
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AttendanceWithStudent
	for rows.Next() {
		var entry AttendanceWithStudent
		if err := rows.Scan(
			&entry.ID,
			&entry.ClassID,
			&entry.StudentID,
			&entry.Day,
			&entry.Status,
			&entry.MarkedBy,
			&entry.CreatedAt,
			&entry.UpdatedAt,
			&entry.StudentEmail,
			&entry.StudentName,
		); err != nil {
			return nil, err
		}
		records = append(records, entry)
	}
	return records, rows.Err()
}

func (s *Store) ListAttendanceByStudent(ctx context.Context, studentID string) ([]model.Attendance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, class_id, student_id, day, status, marked_by, created_at, updated_at
		FROM attendance
		WHERE student_id = $1
		ORDER BY day DESC
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.Attendance
	for rows.Next() {
		record, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) CreateNote(ctx context.Context, note model.Note) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notes (id, title, content, author_id, is_paid, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, note.ID, note.Title, note.Content, note.AuthorID, note.IsPaid, note.Price, note.CreatedAt)
	return err
}

type NoteWithAuthor struct {
	model.Note
	AuthorEmail string
	AuthorName  *string
}

func (s *Store) ListNotes(ctx context.Context) ([]NoteWithAuthor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT n.id, n.title, n.content, n.author_id, n.is_paid, n.price, n.created_at,
			u.email, u.name
		FROM notes n
		JOIN users u ON u.id = n.author_id
		ORDER BY n.created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []NoteWithAuthor
	for rows.Next() {
		var entry NoteWithAuthor
		if err := rows.Scan(
			&entry.ID,
			&entry.Title,
			&entry.Content,
			&entry.AuthorID,
			&entry.IsPaid,
			&entry.Price,
			&entry.CreatedAt,
			&entry.AuthorEmail,
			&entry.AuthorName,
		); err != nil {
			return nil, err
		}
		notes = append(notes, entry)
	}
	return notes, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
