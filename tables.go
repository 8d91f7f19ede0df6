package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"
)

// TableAPI is the subset of the DynamoDB client used to clear tables.
type TableAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// TableClearer empties test-exclusive tables. Items are scanned and deleted
// one at a time, there is no isolation from concurrent writers.
type TableClearer struct {
	API TableAPI
	// PageSize limits the number of items per scan page, zero leaves it to
	// DynamoDB (1 MB pages).
	PageSize int32
}

// KeyAttributes returns the primary key attribute names of the table.
func (c *TableClearer) KeyAttributes(ctx context.Context, table Table) ([]string, error) {
	if len(table.KeyAttributes) > 0 {
		return table.KeyAttributes, nil
	}
	res, err := c.API.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("error describing table %q: %w", table.Name, err)
	}
	if res.Table == nil || len(res.Table.KeySchema) == 0 {
		return nil, fmt.Errorf("table %q has no key schema", table.Name)
	}
	keys := make([]string, 0, len(res.Table.KeySchema))
	for _, k := range res.Table.KeySchema {
		keys = append(keys, aws.ToString(k.AttributeName))
	}
	return keys, nil
}

// Drain deletes every item of the table and returns the number of deleted
// items. Scan pages are followed until a page comes back without a
// LastEvaluatedKey, so tables larger than one page are fully emptied.
func (c *TableClearer) Drain(ctx context.Context, table Table) (int, error) {
	keys, err := c.KeyAttributes(ctx, table)
	if err != nil {
		return 0, err
	}

	names := make(map[string]string, len(keys))
	projection := make([]string, 0, len(keys))
	for i, k := range keys {
		placeholder := fmt.Sprintf("#k%d", i)
		names[placeholder] = k
		projection = append(projection, placeholder)
	}

	input := &dynamodb.ScanInput{
		TableName:                aws.String(table.Name),
		ProjectionExpression:     aws.String(strings.Join(projection, ", ")),
		ExpressionAttributeNames: names,
		ConsistentRead:           aws.Bool(true),
	}
	if c.PageSize > 0 {
		input.Limit = aws.Int32(c.PageSize)
	}

	deleted := 0
	pages := 0
	paginator := dynamodb.NewScanPaginator(c.API, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("error scanning table %q: %w", table.Name, err)
		}
		pages++
		for _, item := range page.Items {
			key, err := itemKey(item, keys)
			if err != nil {
				return deleted, fmt.Errorf("table %q: %w", table.Name, err)
			}
			_, err = c.API.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(table.Name),
				Key:       key,
			})
			if err != nil {
				return deleted, fmt.Errorf("error deleting item from table %q: %w", table.Name, err)
			}
			deleted++
			promDeletedItemsCounter.WithLabelValues(table.Name).Inc()
		}
	}

	log.WithFields(log.Fields{
		"table":   table.Name,
		"deleted": deleted,
		"pages":   pages,
	}).Debug("table drained")
	return deleted, nil
}

// ClearTables drains the tables in order and stops at the first failure.
func (c *TableClearer) ClearTables(ctx context.Context, tables []Table) (map[string]int, error) {
	deleted := make(map[string]int, len(tables))
	for _, t := range tables {
		n, err := c.Drain(ctx, t)
		deleted[t.Name] = n
		if err != nil {
			return deleted, err
		}
	}
	AddField(ctx, "deleted", deleted)
	return deleted, nil
}

func itemKey(item map[string]types.AttributeValue, keys []string) (map[string]types.AttributeValue, error) {
	key := make(map[string]types.AttributeValue, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := item[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		key[k] = v
	}
	if len(missing) > 0 {
		return nil, errors.New("scanned item is missing key attributes: " + strings.Join(missing, ", "))
	}
	return key, nil
}
