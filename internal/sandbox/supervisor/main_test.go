package supervisor

import (
	"os"
	"testing"
)

// childModeEnv turns the test binary into the sandbox-init helper so the
// end-to-end tests need no separately built helper.
const childModeEnv = "NASANDBOX_TEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childModeEnv) == "1" {
		os.Exit(RunChild())
	}
	os.Exit(m.Run())
}
