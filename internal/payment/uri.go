package payment

import "fmt"

// PaymentURI renders an EIP-681 style payable link. value is in the chain's
// smallest unit.
func PaymentURI(address, value string, chainID int64) string {
	return fmt.Sprintf("ethereum:%s?value=%s&chainId=%d", address, value, chainID)
}
