// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp provides non-blocking TCP streams and listeners driven by an
// async.Runtime. Operations never block the calling worker: a socket that
// would block parks the polling task until the reactor reports readiness.
//
// Only unix platforms with an epoll or kqueue reactor are supported; other
// builds return api.ErrNotSupported.
package tcp
