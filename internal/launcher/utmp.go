package launcher

import (
	"fmt"
	"os"
	"time"
)

// WtmpPath is where login records are appended. No third-party utmp
// library appears anywhere in the example corpus and the real utmpx
// struct layout is platform-specific (glibc vs musl vs BSD) in a way
// that's unsafe to hand-roll without cgo, so login history here is a
// plain, line-oriented append-only log rather than a binary
// /var/log/wtmp record — the same information the original's utmpx
// bookkeeping captures (user, pid, peer, start/stop), just not
// readable by `last`.
var WtmpPath = "/var/log/shellgo-wtmp.log"

// recordLogin appends a LOGIN entry when the launcher hands a child's
// PTY back to the main server, mirroring the original launcher's
// immediate utmpx update ahead of exec.
func recordLogin(user string, pid int, peer string) {
	appendWtmp(fmt.Sprintf("%s LOGIN  user=%-12s pid=%-7d peer=%s\n",
		time.Now().Format(time.RFC3339), user, pid, peer))
}

// finalizeLogin appends a LOGOUT line once the launcher's
// SIGCHLD-equivalent goroutine reaps the child.
func finalizeLogin(user string, pid int) {
	appendWtmp(fmt.Sprintf("%s LOGOUT user=%-12s pid=%-7d\n",
		time.Now().Format(time.RFC3339), user, pid))
}

func appendWtmp(line string) {
	f, err := os.OpenFile(WtmpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(line)
}
