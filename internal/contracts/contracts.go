// Package contracts holds the ABIs of the on-chain contracts the escrow
// operator calls.
package contracts

import _ "embed"

// TitleRegistryABI is the ERC-721 subset used to move title custody.
//
//go:embed abi/TitleRegistry.json
var TitleRegistryABI []byte

// SettlementTokenABI is the ERC-20 subset used to pay out escrowed funds.
//
//go:embed abi/SettlementToken.json
var SettlementTokenABI []byte
