// Package client is a thin Go SDK over the daemon's framed mTLS wire
// protocol.
//
// # Basic usage
//
//	conn, err := client.DialUnix(socketPath, tlsCfg, secretBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	reply, err := conn.Send(protocol.Request{
//	    Type:    protocol.ReqAdd,
//	    Command: "sleep 10",
//	})
//
// # Log streaming
//
//	chunks, err := conn.Log(protocol.Request{
//	    Type:       protocol.ReqLog,
//	    LogTaskIDs: []int64{0},
//	    Follow:     true,
//	})
//	for reply := range chunks {
//	    os.Stdout.Write(reply.LogChunk)
//	}
package client
