package portal

import (
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/unihub/core"
)

// Roles
const (
	RoleStudent     = "student"
	RoleAcademic    = "academic"
	RoleNonAcademic = "nonacademic"
)

// Channel types
const (
	ChannelYear       = "year"
	ChannelCourse     = "course"
	ChannelDepartment = "department"
	ChannelInterest   = "interest"
)

// Tables, also the topics of their change feeds.
const (
	TableProfiles = "profiles"
	TableChannels = "channels"
	TableMembers  = "channel_members"
	TableMessages = "messages"
)

const (
	UnknownUserName  = "Unknown User"
	MaxMessageLength = 4000
)

var (
	Roles        = []string{RoleStudent, RoleAcademic, RoleNonAcademic}
	ChannelTypes = []string{ChannelYear, ChannelCourse, ChannelDepartment, ChannelInterest}
)

type Profile struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email,omitempty" db:"email"`
	Role      string    `json:"role" db:"role"`
	AvatarURL string    `json:"avatar_url,omitempty" db:"avatar_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"` // UTC
}

// UnknownProfile is shown for authors whose profile cannot be found.
func UnknownProfile(id string) Profile {
	return Profile{ID: id, Name: UnknownUserName, Role: RoleStudent}
}

type Channel struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Type        string    `json:"type" db:"type"`
	CreatedBy   string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"` // UTC
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"` // UTC
}

type Message struct {
	ID        string    `json:"id" db:"id"`
	ChannelID string    `json:"channel_id" db:"channel_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Content   string    `json:"content" db:"content"`
	IsPinned  bool      `json:"is_pinned" db:"is_pinned"`
	CreatedAt time.Time `json:"created_at" db:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"` // UTC
	Author    Profile   `json:"author" db:"-"`
}

// Member is a user's membership of a channel, keyed by user id within the channel.
type Member struct {
	ID        string    `json:"id" db:"id"`
	ChannelID string    `json:"channel_id" db:"channel_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	JoinedAt  time.Time `json:"joined_at" db:"joined_at"` // UTC
	Profile   Profile   `json:"profile" db:"-"`
}

// NewChannel contains information needed to create a new Channel.
type NewChannel struct {
	Name        string `json:"name" validate:"required,notblank,max=100"`
	Description string `json:"description" validate:"max=500"`
	Type        string `json:"type" validate:"required,channeltype"`
}

func (nc *NewChannel) Validate(validate *validator.Validate) error {
	nc.Name = core.CleanString(nc.Name)
	nc.Description = core.CleanString(nc.Description)
	nc.Type = core.CleanString(nc.Type, true /* lower */)
	return validate.Struct(nc)
}

// NewMessage contains information needed to post a Message.
type NewMessage struct {
	Content string `json:"content" validate:"required,notblank,max=4000"`
}

func (nm *NewMessage) Validate(validate *validator.Validate) error {
	nm.Content = core.CleanString(nm.Content)
	return validate.Struct(nm)
}

// EditMessage defines what may be changed on an existing Message.
type EditMessage struct {
	Content  string `json:"content" validate:"omitempty,notblank,max=4000"`
	IsPinned *bool  `json:"is_pinned"`
}

func (em *EditMessage) Validate(validate *validator.Validate) error {
	em.Content = core.CleanString(em.Content)
	if em.Content == "" && em.IsPinned == nil {
		return core.NewValidationError(nil, core.FieldError{Field: "content", Error: "nothing to update"})
	}
	return validate.Struct(em)
}

var (
	channelTypeTag  = "channeltype"
	channelTypeText = "must be one of year, course, department or interest"
)

// InitValidators registers the portal validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(channelTypeTag, func(fl validator.FieldLevel) bool {
		return contains(ChannelTypes, fl.Field().String())
	})
	core.RegisterCustomTranslation(validate, translator, channelTypeTag, channelTypeText)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
