// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package tlsutil centralizes TLS settings for outbound connections.

Every HTTPS client in the service (the dispatch transports and the CLI
health probe) shares one hardened configuration: TLS 1.2 minimum and
AEAD cipher suites only.
*/
package tlsutil
