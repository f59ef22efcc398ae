package provision

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrPersist          = errors.New("failed to persist grant")
	ErrCreate           = errors.New("failed to create remote peer")
	ErrRemoteUpdate     = errors.New("failed to update remote peer")
	ErrExistenceUnknown = errors.New("peer existence unknown")
	ErrConfigTimeout    = errors.New("config download timed out")
	ErrNoGrant          = errors.New("no paid grant")
	ErrExpired          = errors.New("grant expired")
	ErrUnknownTariff    = errors.New("unknown tariff")
	ErrPaymentInvalid   = errors.New("payment verification failed")
)

// Outcome это единый результат любой точки входа. Успех, текст для пользователя
// и, при наличии, файл конфигурации.
// Duplicate отмечает повторное подтверждение уже применённого платежа.
type Outcome struct {
	OK        bool
	Message   string
	Config    []byte
	Err       error
	Duplicate bool
}

func success(msg string) Outcome {
	return Outcome{OK: true, Message: msg}
}

func alreadyApplied() Outcome {
	return Outcome{OK: true, Message: "✅ Этот платёж уже обработан.", Duplicate: true}
}

func failure(err error, msg string) Outcome {
	return Outcome{OK: false, Message: msg, Err: err}
}

// Retryable: стоит ли источнику повторить доставку события.
// Отклонённые платежи и неизвестные тарифы повтор не исправит.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, final := range []error{ErrPaymentInvalid, ErrUnknownTariff, ErrConfigTimeout, ErrNoGrant} {
		if errors.Is(err, final) {
			return false
		}
	}
	return true
}

// User: пользователь Telegram
type User struct {
	ID       int64
	Username string
}

const maxPeerName = 50

// PeerName строит имя пира username_id или user_id, не длиннее 50 символов
func PeerName(username string, userID int64) string {
	var name string
	if username = strings.TrimPrefix(strings.TrimSpace(username), "@"); username != "" {
		name = fmt.Sprintf("%s_%d", username, userID)
	} else {
		name = fmt.Sprintf("user_%d", userID)
	}
	if utf8.RuneCountInString(name) > maxPeerName {
		name = string([]rune(name)[:maxPeerName])
	}
	return name
}
