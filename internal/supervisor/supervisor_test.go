package supervisor

import "testing"

func TestRoleDetection(t *testing.T) {
	t.Setenv(RoleEnv, "")
	if IsWorker() {
		t.Fatal("empty role detected as worker")
	}

	t.Setenv(RoleEnv, roleWorker)
	if !IsWorker() {
		t.Fatal("worker role not detected")
	}

	t.Setenv(SocketEnv, "/tmp/test.sock")
	if got := SocketPath(); got != "/tmp/test.sock" {
		t.Fatalf("SocketPath() = %q", got)
	}
}
