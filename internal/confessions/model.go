package confessions

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MinMessageLength is the shortest accepted confession, in characters.
	MinMessageLength = 1
	// MaxMessageLength is the longest accepted confession, in characters.
	MaxMessageLength = 1000
)

var (
	// ErrInvalidMessage indicates confession text that is not valid UTF-8 or is
	// outside the accepted length range.
	ErrInvalidMessage = errors.New("confessions: invalid message length")
	// ErrInvalidConfessionID indicates an empty confession identifier.
	ErrInvalidConfessionID = errors.New("confessions: invalid confession id")
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("confessions: invalid user id")
)

// Message is validated confession text.
type Message string

// NewMessage checks the encoding and character count of rawInput. The text is
// stored as given.
func NewMessage(rawInput string) (Message, error) {
	if !utf8.ValidString(rawInput) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidMessage)
	}
	length := utf8.RuneCountInString(rawInput)
	if length < MinMessageLength || length > MaxMessageLength {
		return "", fmt.Errorf("%w: %d characters", ErrInvalidMessage, length)
	}
	return Message(rawInput), nil
}

// String returns the confession text.
func (m Message) String() string {
	return string(m)
}

// ConfessionID represents a validated confession identifier.
type ConfessionID string

// NewConfessionID rejects the empty string and otherwise keeps rawInput as is.
func NewConfessionID(rawInput string) (ConfessionID, error) {
	if rawInput == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConfessionID)
	}
	return ConfessionID(rawInput), nil
}

// String returns the underlying string identifier.
func (id ConfessionID) String() string {
	return string(id)
}

// UserID is the opaque identity a client generates and sends with each request.
// It is only ever compared for equality, byte for byte.
type UserID string

// NewUserID rejects the empty string and otherwise keeps rawInput as is.
func NewUserID(rawInput string) (UserID, error) {
	if rawInput == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	return UserID(rawInput), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Confession is the persisted confession row.
type Confession struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Message   string    `gorm:"column:message;type:text;not null"`
	LikeCount int64     `gorm:"column:likes_count;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_confessions_created"`
}

// TableName provides the explicit table binding for GORM.
func (Confession) TableName() string {
	return "confessions"
}

// Like records that a user has liked a confession. At most one row exists per pair.
type Like struct {
	UserID       string    `gorm:"column:user_id;type:text;not null;uniqueIndex:idx_likes_user_confession,priority:1"`
	ConfessionID string    `gorm:"column:confession_id;size:190;not null;uniqueIndex:idx_likes_user_confession,priority:2;index:idx_likes_confession"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Like) TableName() string {
	return "likes"
}

// ConfessionView is a confession as seen by one requester.
type ConfessionView struct {
	ID        string
	Message   string
	LikeCount int64
	CreatedAt time.Time
	HasLiked  bool
}
