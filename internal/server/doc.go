// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package server manages HTTP listener lifecycles.

Manager wraps one net/http.Server: Start binds the listener and serves
in the background, Shutdown drains in-flight requests within the
configured timeout, and Errors surfaces asynchronous serve failures.
Run composes the three for errgroup use, blocking until the context is
cancelled or the server fails.

The serve command runs two managers, one for the coordination API and
one for the Prometheus metrics listener, inside a single errgroup so
either failing stops both. Signal handling stays with the caller;
cancelling Run's context is the shutdown path.
*/
package server
