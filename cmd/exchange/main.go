// Command exchange runs either side of a QUIC request/response exchange.
//
//	exchange serve    # echo responder
//	exchange send     # interactive initiator reading lines from stdin
//	exchange cert     # write a self-signed certificate pair
package main

func main() {
	Execute()
}
