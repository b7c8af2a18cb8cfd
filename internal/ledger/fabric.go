package ledger

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/hyperledger/fabric-protos-go-apiv2/gateway"
	"github.com/medrex/nuvora-ehr/pkg/config"
	"github.com/medrex/nuvora-ehr/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// FabricGateway reaches the ehr-ledger contract on a Fabric network through
// the Fabric Gateway service of a peer.
type FabricGateway struct {
	conn     *grpc.ClientConn
	gw       *client.Gateway
	contract *client.Contract
}

// NewFabricGateway dials the gateway peer with the configured client identity
func NewFabricGateway(cfg *config.LedgerConfig) (*FabricGateway, error) {
	id, err := newIdentity(cfg)
	if err != nil {
		return nil, err
	}
	sign, err := newSign(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := newGrpcConnection(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := client.Connect(
		id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(seconds(cfg.EvaluateTimeout, 5)),
		client.WithEndorseTimeout(seconds(cfg.EndorseTimeout, 15)),
		client.WithSubmitTimeout(seconds(cfg.SubmitTimeout, 5)),
		client.WithCommitStatusTimeout(seconds(cfg.CommitStatusTimeout, 60)),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to fabric gateway: %w", err)
	}

	network := gw.GetNetwork(cfg.ChannelName)
	return &FabricGateway{
		conn:     conn,
		gw:       gw,
		contract: network.GetContract(cfg.ChaincodeName),
	}, nil
}

// Submit endorses, submits and waits for the commit status of a transaction
func (f *FabricGateway) Submit(ctx context.Context, function string, args ...string) ([]byte, string, error) {
	proposal, err := f.contract.NewProposal(function, client.WithArguments(args...))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create proposal: %w", err)
	}

	transaction, err := proposal.EndorseWithContext(ctx)
	if err != nil {
		return nil, proposal.TransactionID(), classify(function, err)
	}

	commit, err := transaction.SubmitWithContext(ctx)
	if err != nil {
		return nil, transaction.TransactionID(), classify(function, err)
	}

	commitStatus, err := commit.StatusWithContext(ctx)
	if err != nil {
		return nil, transaction.TransactionID(), fmt.Errorf("commit status unavailable: %w", err)
	}
	if !commitStatus.Successful {
		return nil, commitStatus.TransactionID, fmt.Errorf("transaction %s failed to commit with status code %d", commitStatus.TransactionID, int32(commitStatus.Code))
	}

	return transaction.Result(), transaction.TransactionID(), nil
}

// Evaluate runs a query on the gateway peer
func (f *FabricGateway) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	proposal, err := f.contract.NewProposal(function, client.WithArguments(args...))
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}
	result, err := proposal.EvaluateWithContext(ctx)
	if err != nil {
		return nil, classify(function, err)
	}
	return result, nil
}

// Close closes the gateway and its gRPC connection
func (f *FabricGateway) Close() error {
	f.gw.Close()
	return f.conn.Close()
}

// classify turns an endorsement or evaluation failure that carries a
// contract rejection into a ChaincodeError. Both arrive as gRPC status
// errors whose ErrorDetail entries hold the peers' chaincode messages;
// anything without a recognizable rejection stays a transport error.
func classify(function string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	messages := []string{st.Message()}
	for _, detail := range st.Details() {
		if d, ok := detail.(*gateway.ErrorDetail); ok {
			messages = append(messages, d.GetMessage())
		}
	}
	joined := strings.Join(messages, "; ")
	ce := &ChaincodeError{Function: function, Message: joined}
	if kind, _ := ce.Kind(); kind == types.ErrorKindInternal {
		return fmt.Errorf("%s: %w", joined, err)
	}
	return ce
}

func newIdentity(cfg *config.LedgerConfig) (*identity.X509Identity, error) {
	certPEM, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client certificate: %w", err)
	}
	cert, err := identity.CertificateFromPEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client certificate: %w", err)
	}
	return identity.NewX509Identity(cfg.MSPID, cert)
}

func newSign(cfg *config.LedgerConfig) (identity.Sign, error) {
	keyPEM, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return identity.NewPrivateKeySign(key)
}

func newGrpcConnection(cfg *config.LedgerConfig) (*grpc.ClientConn, error) {
	tlsPEM, err := os.ReadFile(cfg.TLSCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read TLS certificate: %w", err)
	}
	tlsCert, err := identity.CertificateFromPEM(tlsPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TLS certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(tlsCert)
	creds := credentials.NewClientTLSFromCert(pool, cfg.GatewayPeer)

	conn, err := grpc.NewClient(cfg.PeerEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return conn, nil
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}
