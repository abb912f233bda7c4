package main

const (
	httpAddr  = "127.0.0.1:7777"
	mdnsTag   = "mixnets-sicftp-mdns"
	protoChat = "/mixnets/chat/1.0.0"
	protoFile = "/mixnets/file/1.0.0"
	storeDir  = "storage"
	maxChunk  = 256 * 1024 // 256KB per chunk (demo)
)
