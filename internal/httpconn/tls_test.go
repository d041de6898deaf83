package httpconn

import "testing"

func TestSniffTLSDetectsHandshakeRecord(t *testing.T) {
	decided, plaintext := sniffTLS([]byte{0x16, 0x03, 0x01})
	if !decided || plaintext {
		t.Errorf("sniffTLS(handshake) = (%v, %v), want (true, false)", decided, plaintext)
	}
}

func TestSniffTLSDetectsHTTPMethod(t *testing.T) {
	decided, plaintext := sniffTLS([]byte("GET / HTTP/1.1\r\n"))
	if !decided || !plaintext {
		t.Errorf("sniffTLS(GET) = (%v, %v), want (true, true)", decided, plaintext)
	}
}

func TestSniffTLSWaitsForMoreBytes(t *testing.T) {
	decided, _ := sniffTLS([]byte("GE"))
	if decided {
		t.Error("sniffTLS should wait for more bytes before deciding on a partial method")
	}
}

func TestSniffTLSRejectsGarbage(t *testing.T) {
	decided, plaintext := sniffTLS([]byte("\x01\x02\x03 garbage"))
	if !decided || plaintext {
		t.Errorf("sniffTLS(garbage) = (%v, %v), want (true, false)", decided, plaintext)
	}
}

func TestSniffTLSAllMethods(t *testing.T) {
	for _, m := range []string{"GET", "POST", "HEAD", "OPTIONS", "PUT", "DELETE", "TRACE", "CONNECT"} {
		decided, plaintext := sniffTLS([]byte(m + " / HTTP/1.1\r\n"))
		if !decided || !plaintext {
			t.Errorf("sniffTLS(%s) = (%v, %v), want (true, true)", m, decided, plaintext)
		}
	}
}
