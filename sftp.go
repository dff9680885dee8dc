// Package sftp implements the client side of the SSH File Transfer Protocol version 3,
// as described in https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt
//
// A Session runs over any reliable, ordered byte stream,
// usually the "sftp" subsystem of an SSH connection (see NewClient and Dial).
// Requests are pipelined: any number may be in flight at once,
// and responses are matched back to their requests by request id, in whatever order they arrive.
//
// Get and Put move whole files with a window of concurrent READ or WRITE requests,
// while still delivering the bytes to the sink strictly in file order.
package sftp
