package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type selects the frame variant on the wire.
type Type string

// Inbound frame types.
const (
	TypeAuth        Type = "auth"
	TypeMessage     Type = "message"
	TypeTypingStart Type = "typing_start"
	TypeTypingStop  Type = "typing_stop"
	TypePing        Type = "ping"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeHistory     Type = "history"
)

// Outbound frame types.
const (
	TypeAuthSuccess   Type = "auth_success"
	TypeNewMessage    Type = "new_message"
	TypeMessageSent   Type = "message_sent"
	TypeUserTyping    Type = "user_typing"
	TypeStatusChange  Type = "status_change"
	TypePong          Type = "pong"
	TypeError         Type = "error"
	TypeSubscribed    Type = "subscribed"
	TypeUnsubscribed  Type = "unsubscribed"
	TypeHistoryResult Type = "history_result"
)

const (
	MaxContentLength = 4000
	MaxHistoryLimit  = 200
)

var ErrMalformedFrame = errors.New("malformed frame")

// ErrInvalidClaim marks an auth frame whose role or id can not name an
// identity. It is always wrapped together with ErrMalformedFrame.
var ErrInvalidClaim = errors.New("invalid identity claim")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// 错误信息使用 json 字段名，与客户端看到的帧一致。
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return Role(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Inbound is a decoded client frame.
type Inbound interface {
	Kind() Type
}

type Auth struct {
	Role  Role   `json:"role" validate:"required,role"`
	ID    uint   `json:"id" validate:"required,gt=0"`
	Token string `json:"token,omitempty"`
}

type SendMessage struct {
	ConversationID uint            `json:"conversation_id" validate:"required,gt=0"`
	Content        string          `json:"content" validate:"required,notblank,max=4000"`
	ClientTempID   json.RawMessage `json:"client_temp_id"`
}

type TypingStart struct {
	ConversationID uint `json:"conversation_id" validate:"required,gt=0"`
}

type TypingStop struct {
	ConversationID uint `json:"conversation_id" validate:"required,gt=0"`
}

type Ping struct{}

type Subscribe struct {
	ConversationID uint `json:"conversation_id" validate:"required,gt=0"`
}

type Unsubscribe struct {
	ConversationID uint `json:"conversation_id" validate:"required,gt=0"`
}

type History struct {
	ConversationID uint `json:"conversation_id" validate:"required,gt=0"`
	SinceID        uint `json:"since_id"`
	Limit          int  `json:"limit" validate:"gte=0,lte=200"`
}

func (Auth) Kind() Type        { return TypeAuth }
func (SendMessage) Kind() Type { return TypeMessage }
func (TypingStart) Kind() Type { return TypeTypingStart }
func (TypingStop) Kind() Type  { return TypeTypingStop }
func (Ping) Kind() Type        { return TypePing }
func (Subscribe) Kind() Type   { return TypeSubscribe }
func (Unsubscribe) Kind() Type { return TypeUnsubscribe }
func (History) Kind() Type     { return TypeHistory }

// Decode parses one inbound frame. Every failure wraps ErrMalformedFrame;
// failures of an auth payload also wrap ErrInvalidClaim.
func Decode(data []byte) (Inbound, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}

	var in Inbound
	switch env.Type {
	case TypeAuth:
		in = decodeInto[Auth](data)
	case TypeMessage:
		in = decodeInto[SendMessage](data)
	case TypeTypingStart:
		in = decodeInto[TypingStart](data)
	case TypeTypingStop:
		in = decodeInto[TypingStop](data)
	case TypePing:
		return Ping{}, nil
	case TypeSubscribe:
		in = decodeInto[Subscribe](data)
	case TypeUnsubscribe:
		in = decodeInto[Unsubscribe](data)
	case TypeHistory:
		in = decodeInto[History](data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
	if in == nil {
		return nil, malformed(env.Type, fmt.Sprintf("invalid %s payload", env.Type))
	}
	if err := validate.Struct(in); err != nil {
		return nil, malformed(env.Type, describe(err))
	}
	if m, ok := in.(SendMessage); ok && !validTempID(m.ClientTempID) {
		return nil, fmt.Errorf("%w: client_temp_id must be a string or number", ErrMalformedFrame)
	}
	return in, nil
}

func malformed(t Type, msg string) error {
	if t == TypeAuth {
		return fmt.Errorf("%w: %w: %s", ErrMalformedFrame, ErrInvalidClaim, msg)
	}
	return fmt.Errorf("%w: %s", ErrMalformedFrame, msg)
}

func decodeInto[T Inbound](data []byte) Inbound {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

func validTempID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '"':
		return len(raw) > 2
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return false
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag())
}

// Outbound is a server frame.
type Outbound interface {
	Kind() Type
}

type AuthSuccess struct {
	Identity      Identity `json:"identity"`
	Conversations []uint   `json:"conversations"`
}

type NewMessage struct {
	ConversationID uint      `json:"conversation_id"`
	ID             uint      `json:"id"`
	Sender         Identity  `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type MessageSent struct {
	ConversationID uint            `json:"conversation_id"`
	ClientTempID   json.RawMessage `json:"client_temp_id"`
	ID             uint            `json:"id"`
}

type UserTyping struct {
	ConversationID uint     `json:"conversation_id"`
	Identity       Identity `json:"identity"`
	IsTyping       bool     `json:"is_typing"`
}

// Status 在线状态。
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type StatusChange struct {
	Identity Identity `json:"identity"`
	Status   Status   `json:"status"`
}

type Pong struct{}

type Error struct {
	Message      string          `json:"message"`
	Code         string          `json:"code,omitempty"`
	ClientTempID json.RawMessage `json:"client_temp_id,omitempty"`
}

type Subscribed struct {
	ConversationID uint `json:"conversation_id"`
}

type Unsubscribed struct {
	ConversationID uint `json:"conversation_id"`
}

type HistoryResult struct {
	ConversationID uint         `json:"conversation_id"`
	Messages       []NewMessage `json:"messages"`
}

func (AuthSuccess) Kind() Type   { return TypeAuthSuccess }
func (NewMessage) Kind() Type    { return TypeNewMessage }
func (MessageSent) Kind() Type   { return TypeMessageSent }
func (UserTyping) Kind() Type    { return TypeUserTyping }
func (StatusChange) Kind() Type  { return TypeStatusChange }
func (Pong) Kind() Type          { return TypePong }
func (Error) Kind() Type         { return TypeError }
func (Subscribed) Kind() Type    { return TypeSubscribed }
func (Unsubscribed) Kind() Type  { return TypeUnsubscribed }
func (HistoryResult) Kind() Type { return TypeHistoryResult }

// Encode renders f as a JSON object whose first field is "type".
func Encode(f Outbound) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(f.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(head)+10)
	out = append(out, `{"type":`...)
	out = append(out, head...)
	// body is always an object; splice its fields after the type.
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

// MustEncode is Encode for frames that cannot fail to marshal.
func MustEncode(f Outbound) []byte {
	b, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return b
}
