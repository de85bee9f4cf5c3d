package live

// Live channel keyspace. These paths are the wire contract shared with
// other clients of the same store; changing them breaks compatibility.
//
//	conversations/{cid}/activeMessages/{mid}   bounded-window message copy
//	conversations/{cid}/metadata/typingUsers/{uid}  typing timestamp
//	onlineUsers/{uid}                          presence, existence-only
//	lastSeen/{uid}                             disconnect snapshot
//	userConversations/{uid}/{cid}              per-user status document
//	userConversations/{uid}/{cid}/unread       atomic unread counter
//	conversationMembers/{cid}/{uid}            membership marker
func MessagesPath(cid string) string {
	return "conversations/" + cid + "/activeMessages"
}

func MessagePath(cid, mid string) string {
	return MessagesPath(cid) + "/" + mid
}

func TypingUsersPath(cid string) string {
	return "conversations/" + cid + "/metadata/typingUsers"
}

func TypingPath(cid, uid string) string {
	return TypingUsersPath(cid) + "/" + uid
}

func OnlineUserPath(uid string) string {
	return "onlineUsers/" + uid
}

func LastSeenPath(uid string) string {
	return "lastSeen/" + uid
}

func UserConversationsPath(uid string) string {
	return "userConversations/" + uid
}

func UserConversationPath(uid, cid string) string {
	return UserConversationsPath(uid) + "/" + cid
}

func UnreadPath(uid, cid string) string {
	return UserConversationPath(uid, cid) + "/unread"
}

func MembersPath(cid string) string {
	return "conversationMembers/" + cid
}

func MemberPath(cid, uid string) string {
	return MembersPath(cid) + "/" + uid
}
