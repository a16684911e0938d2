package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/AutoCookies/hfe-engine/internal/command"
	"github.com/AutoCookies/hfe-engine/internal/expire"
	"github.com/AutoCookies/hfe-engine/internal/hashval"
	"github.com/AutoCookies/hfe-engine/internal/keyspace"
	"github.com/AutoCookies/hfe-engine/internal/propagation"
)

func main() {
	ks := keyspace.New(16, hashval.DefaultConfig())
	var logBuf bytes.Buffer
	alog := propagation.NewGobAppendLog(&logBuf)
	sink := propagation.New(alog, propagation.NopReplicaStream{})
	eng := expire.New(ks, sink, hashval.DefaultConfig(), 0, 0)

	now := time.Now().UnixMilli()

	fmt.Println("Setting session:42 with two fields")
	command.HSet(eng, "session:42", [][]byte{[]byte("token"), []byte("csrf")}, [][]byte{[]byte("abc123"), []byte("xyz789")})

	fmt.Println("Expiring field token in 5s, field csrf in 1s")
	command.HExpire(eng, 0, "session:42", 5, hashval.ExpireCondNone, [][]byte{[]byte("token")}, now, func(argv []string) {
		fmt.Printf("propagated: %v\n", argv)
	})
	command.HExpire(eng, 0, "session:42", 1, hashval.ExpireCondNone, [][]byte{[]byte("csrf")}, now, func(argv []string) {
		fmt.Printf("propagated: %v\n", argv)
	})

	ttls := command.HTTL(eng, "session:42", [][]byte{[]byte("token"), []byte("csrf")}, now)
	fmt.Printf("TTL(seconds): token=%d csrf=%d\n", ttls[0], ttls[1])

	fmt.Println("Advancing clock past csrf's deadline, running an active-expire cycle")
	later := now + 2000
	expired := eng.ActiveExpireCycle(later, 100)
	fmt.Printf("active-expire reclaimed %d field(s)\n", expired)

	if _, ok := command.HGet(eng, "session:42", []byte("csrf"), later); ok {
		fmt.Println("unexpected: csrf still readable")
	} else {
		fmt.Println("csrf is gone, as expected")
	}

	var buf bytes.Buffer
	if err := eng.WriteSnapshot(&buf); err != nil {
		fmt.Println("snapshot write error:", err)
		return
	}
	fmt.Printf("snapshot encoded in %d bytes\n", buf.Len())

	ks2 := keyspace.New(16, hashval.DefaultConfig())
	eng2 := expire.New(ks2, sink, hashval.DefaultConfig(), 0, 0)
	if err := eng2.LoadSnapshot(&buf); err != nil {
		fmt.Println("snapshot load error:", err)
		return
	}
	if v, ok := command.HGet(eng2, "session:42", []byte("token"), later); ok {
		fmt.Printf("restored session:42.token = %s\n", v)
	}
}
