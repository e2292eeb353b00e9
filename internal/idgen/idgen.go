// Package idgen 负责生成订单关联键 (clientOrderId)。
// 关联键在提交订单之前生成并写入追踪订单，交易所的异步回报通过它与
// 本地指令配对，而不依赖请求与响应的顺序配对。
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
)

const keyPrefix = "DG"

var seq uint32

// NewCorrelationKey 生成一个新的关联键，格式: DG<账户标签><base62(时间戳+序号+随机)>。
// 保证进程内唯一，且满足币安 clientOrderId 的字符与长度限制。
func NewCorrelationKey(accountTag string) string {
	var buf [14]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(time.Now().UnixMilli()))
	binary.BigEndian.PutUint32(buf[8:12], atomic.AddUint32(&seq, 1))
	// 随机尾部防止进程重启后与上一次运行的键冲突
	if _, err := rand.Read(buf[12:14]); err != nil {
		binary.BigEndian.PutUint16(buf[12:14], uint16(time.Now().UnixNano()))
	}
	return fmt.Sprintf("%s%s%s", keyPrefix, accountTag, base62.EncodeToString(buf[:]))
}

// IsOurs 判断一个 clientOrderId 是否由本进程族生成。
// 用于在启动清理时区分残留的自有订单和人工挂单。
func IsOurs(correlationKey string) bool {
	return len(correlationKey) > len(keyPrefix) && correlationKey[:len(keyPrefix)] == keyPrefix
}
