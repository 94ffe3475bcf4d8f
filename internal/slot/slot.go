// Package slot maps each user's three logical database slots onto the opaque
// identifiers issued by the document agent.
package slot

import (
	"errors"
	"fmt"
	"strings"
)

// Index 是槽位的序号，合法取值为 1..3。
type Index int

const (
	// Invalid 表示无法识别的槽位名称。
	Invalid Index = -1
	DB1     Index = 1
	DB2     Index = 2
	DB3     Index = 3
)

var names = map[string]Index{
	"db1": DB1,
	"db2": DB2,
	"db3": DB3,
}

// ErrInvalidIndex 在使用 Invalid 或越界序号访问注册表时返回。
var ErrInvalidIndex = errors.New("slot: invalid slot index")

// Resolve 把槽位名称映射为序号，未知名称返回 Invalid。匹配区分大小写。
func Resolve(name string) Index {
	if idx, ok := names[name]; ok {
		return idx
	}
	return Invalid
}

// Indices 返回全部合法序号。
func Indices() []Index {
	return []Index{DB1, DB2, DB3}
}

// Valid reports whether idx names one of the three slots.
func (i Index) Valid() bool {
	return i >= DB1 && i <= DB3
}

func (i Index) String() string {
	if !i.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("db%d", int(i))
}

// Key 唯一标识一个用户的一个槽位。
type Key struct {
	Username string
	Index    Index
}

func (k Key) String() string {
	return strings.TrimSpace(k.Username) + "/" + k.Index.String()
}
