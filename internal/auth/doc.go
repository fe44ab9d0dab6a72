// Package auth issues and verifies HS256 operator tokens. Operator routes
// such as the ledger simulator are wrapped with Service.Middleware; in
// disabled mode the middleware lets every request through.
package auth
