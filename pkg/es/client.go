// Package es 提供了基于 Elasticsearch dense_vector 的向量索引实现。
package es

import (
	"crypto/tls"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
)

// NewClient 根据配置创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: esCfg.AddressList(),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, errs.E(errs.Configuration, "es.new_client", err)
	}
	return client, nil
}
