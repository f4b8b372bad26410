package binlog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Ewnn/ServerRoomMonitor/internal/relay"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	pkgerrors "github.com/pkg/errors"
)

// Server error codes that mean another replica already presents our id.
const (
	codeSlaveSameID        = 4052
	codeFatalReadingBinlog = 1236
)

// classify wraps err with relay.ErrIdentityConflict when the server
// rejected the stream because of a duplicate server id.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isIdentityConflict(err) {
		return fmt.Errorf("%s: %w: %v", op, relay.ErrIdentityConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isIdentityConflict(err error) bool {
	var myErr *gomysql.MyError
	if errors.As(pkgerrors.Cause(err), &myErr) || errors.As(err, &myErr) {
		switch myErr.Code {
		case codeSlaveSameID:
			return true
		case codeFatalReadingBinlog:
			return mentionsSameID(myErr.Message)
		}
		return false
	}
	return mentionsSameID(err.Error())
}

func mentionsSameID(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "same server_id") ||
		strings.Contains(msg, "same server_uuid") ||
		strings.Contains(msg, "same server id")
}
