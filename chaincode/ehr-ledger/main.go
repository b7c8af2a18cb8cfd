package main

import (
	"log"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
	"github.com/medrex/nuvora-ehr/chaincode/ehr-ledger/ehrledger"
)

func main() {
	ledgerChaincode, err := contractapi.NewChaincode(&ehrledger.SmartContract{})
	if err != nil {
		log.Panicf("Error creating ehr-ledger chaincode: %v", err)
	}

	if err := ledgerChaincode.Start(); err != nil {
		log.Panicf("Error starting ehr-ledger chaincode: %v", err)
	}
}
