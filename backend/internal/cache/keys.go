package cache

import "fmt"

// 键语义：
// - boardChannel(boardID):   看板事件的 pub/sub 频道，各实例之间转发
// - dedupKey(key):           move 请求去重键（String "1"，带 TTL）
// - aclKey(boardID, userID): 看板访问权限缓存（"1" 有权限 / "0" 无权限）

const (
	keyBoardChannelFmt = "board:events:%s" // pub/sub
	boardChannelPat    = "board:events:*"
	keyDedupFmt        = "board:dedup:%s"  // String "1" with TTL
	keyACLFmt          = "board:acl:%s:%d" // String "1"/"0" with TTL
)

func boardChannel(boardID string) string { return fmt.Sprintf(keyBoardChannelFmt, boardID) }
func dedupKey(key string) string         { return fmt.Sprintf(keyDedupFmt, key) }
func aclKey(boardID string, userID uint64) string {
	return fmt.Sprintf(keyACLFmt, boardID, userID)
}
