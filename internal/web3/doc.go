// Package web3 houses the chain access used by the executor and cdp roles:
// a minimal client contract, chain definitions loaded from YAML and an
// EIP-191 message signer.
package web3
