// Package github is the GitHub REST contract layer
// for the bot: thin request builders for pull
// requests, issues, comments and org membership over
// go-github.
//
// A Client is scoped to one owner/repo pair and reads
// its OAUTH token through a TokenHolder on every
// request, so a credential cache can refresh the token
// in place without reconstructing the client. Under
// dry-run every mutating call logs the intended action
// and returns a sentinel record (number or id -1)
// without network I/O.
package github
