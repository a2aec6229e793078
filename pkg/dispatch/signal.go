package dispatch

import "syscall"

// terminateSignal is sent first during graceful shutdown (SIGTERM,
// then SIGKILL after a grace period).
const terminateSignal = syscall.SIGTERM
