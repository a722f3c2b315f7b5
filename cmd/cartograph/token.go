package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clientauthv1beta1 "k8s.io/client-go/pkg/apis/clientauthentication/v1beta1"

	"github.com/yairfalse/cartograph/internal/credentials"
	"github.com/yairfalse/cartograph/internal/provider/aws"
)

var (
	tokenCluster  string
	tokenEndpoint string
	tokenRegion   string
	tokenProfile  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an EKS bearer token as a kubectl ExecCredential",
	Long: `Generate a short-lived EKS bearer token from the current AWS credentials and
print it as a client.authentication.k8s.io/v1beta1 ExecCredential, so the
command can be used as a kubeconfig exec plugin.`,
	Example: `  cartograph token --cluster prod --region eu-west-1
  cartograph token --endpoint https://ABC123.gr7.eu-west-1.eks.amazonaws.com`,
	RunE:    runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenCluster, "cluster", "", "EKS cluster name")
	tokenCmd.Flags().StringVar(&tokenEndpoint, "endpoint", "", "API server endpoint; the cluster name is looked up from it")
	tokenCmd.Flags().StringVar(&tokenRegion, "region", "", "AWS region (defaults to the profile's region)")
	tokenCmd.Flags().StringVar(&tokenProfile, "profile", "", "AWS shared config profile")
	tokenCmd.MarkFlagsOneRequired("cluster", "endpoint")
	tokenCmd.MarkFlagsMutuallyExclusive("cluster", "endpoint")
}

func runToken(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := aws.Load(ctx, tokenProfile)
	if err != nil {
		return err
	}
	awsCfg := p.Config().Copy()
	if tokenRegion != "" {
		awsCfg.Region = tokenRegion
	}

	cluster := tokenCluster
	if cluster == "" {
		cluster, err = credentials.NewEKSResolver(eks.NewFromConfig(awsCfg)).ResolveName(ctx, tokenEndpoint)
		if err != nil {
			return err
		}
	}

	tok, err := credentials.NewEKSTokenGenerator(sts.NewPresignClient(sts.NewFromConfig(awsCfg)), cluster).Generate(ctx)
	if err != nil {
		return err
	}
	return writeExecCredential(cmd.OutOrStdout(), tok)
}

func writeExecCredential(w io.Writer, tok credentials.Token) error {
	expiry := metav1.NewTime(tok.Expiration.UTC())
	cred := clientauthv1beta1.ExecCredential{
		TypeMeta: metav1.TypeMeta{
			APIVersion: clientauthv1beta1.SchemeGroupVersion.String(),
			Kind:       "ExecCredential",
		},
		Status: &clientauthv1beta1.ExecCredentialStatus{
			Token:               tok.Value,
			ExpirationTimestamp: &expiry,
		},
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cred); err != nil {
		return fmt.Errorf("write exec credential: %w", err)
	}
	return nil
}
