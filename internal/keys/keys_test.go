package keys

import "testing"

func TestKeyLayout(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"session", SessionState("u1", "c1"), "session:u1:c1:state"},
		{"session pattern", SessionPattern("u1"), "session:u1:*:state"},
		{"chat history", ChatHistory("u1", "c1", "t1"), "chat:u1:c1:t1:history"},
		{"chat pattern", ChatHistoryPattern("u1", "c1"), "chat:u1:c1:*:history"},
		{"workflow", WorkflowState("u1", "c1", "t1"), "workflow:u1:c1:t1:state"},
		{"context", UserContext("u1", "c1"), "context:u1:c1"},
		{"cache no sub", Cache("u1", "c1", "hr", ""), "cache:u1:c1:hr"},
		{"cache sub", Cache("u1", "c1", "hr", "employees"), "cache:u1:c1:hr:employees"},
		{"cache module pattern", CacheModulePattern("u1", "c1", "hr"), "cache:u1:c1:hr:*"},
		{"pending ws", PendingWSMessages("u1", "t1"), "pending_ws_messages:u1:t1"},
		{"cron lock", CronLock("pt1"), "lock:cron:pt1"},
		{"idempotency", Idempotency("k42"), "idemp:k42"},
		{"presence", PresenceUser("u1"), "registry:user:u1"},
		{"listener unscoped", ListenerRecord("u1", "notif", "", ""), "registry:listeners:u1:notif"},
		{"listener scoped", ListenerRecord("u1", "chat", "s1", "t1"), "registry:listeners:u1:chat:s1:t1"},
		{"stop flag", StopFlag("u1", "c1", "t1"), "stop:u1:c1:t1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestChannels(t *testing.T) {
	ch := DefaultChannels()
	if got := ch.User("u1"); got != "user:u1" {
		t.Errorf("User() = %q, want user:u1", got)
	}
	if got := ch.Chat("u1", "s1", "t1"); got != "chat:u1:s1:t1" {
		t.Errorf("Chat() = %q, want chat:u1:s1:t1", got)
	}

	custom := Channels{UserPrefix: "usr/", ChatPrefix: "conv/"}
	if got := custom.User("u1"); got != "usr/u1" {
		t.Errorf("User() with custom prefix = %q", got)
	}
	if got := custom.Chat("u1", "s1", "t1"); got != "conv/u1:s1:t1" {
		t.Errorf("Chat() with custom prefix = %q", got)
	}
}
